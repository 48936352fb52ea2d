// settingswatch 监听存储中的设置文档，把每次变化以 JSON 输出到标准输出
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hatlonely/settings/cfg"
	"github.com/hatlonely/settings/watcher"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags "-X main.version=..." 设置
var version = "dev"

const defaultEnvPrefix = "SETTINGSWATCH"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

type globalFlags struct {
	config    string
	envPrefix string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "settingswatch",
		Short:         "Watch a settings document and print every change",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "settingswatch.yaml", "config file (yaml, json, toml or ini)")
	cmd.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", defaultEnvPrefix, "prefix of environment variables overriding the config file")

	cmd.AddCommand(newWatchCommand(flags))
	cmd.AddCommand(newPutCommand(flags))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadOptions(flags *globalFlags) (*watcher.Options, error) {
	var options watcher.Options
	if err := cfg.Load(flags.config, flags.envPrefix, &options); err != nil {
		return nil, errors.WithMessagef(err, "failed to load config %s", flags.config)
	}
	return &options, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
