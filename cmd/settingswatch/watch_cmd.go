package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hatlonely/settings/store"
	"github.com/hatlonely/settings/watcher"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newWatchCommand(flags *globalFlags) *cobra.Command {
	var startupTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the settings document as JSON every time it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := loadOptions(flags)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			encoder := json.NewEncoder(cmd.OutOrStdout())
			w, err := watcher.NewWatcherWithOptions[store.Document](options, func(doc *store.Document) {
				mu.Lock()
				defer mu.Unlock()
				if err := encoder.Encode(doc); err != nil {
					cmd.PrintErrf("failed to encode settings: %v\n", err)
				}
			})
			if err != nil {
				return errors.WithMessage(err, "failed to create watcher")
			}

			ctx := cmd.Context()
			if !w.WaitForStartupContext(ctx, startupTimeout) {
				cerr := w.Close()
				if ctx.Err() != nil {
					return cerr
				}
				if err := w.Err(); err != nil {
					return errors.WithMessage(err, "watcher failed to start")
				}
				return errors.Errorf("watcher did not start within %v", startupTimeout)
			}

			<-ctx.Done()
			return w.Close()
		},
	}
	cmd.Flags().DurationVar(&startupTimeout, "startup-timeout", 30*time.Second, "time to wait for the first read, 0 waits forever")
	return cmd
}
