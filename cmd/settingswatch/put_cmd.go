package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hatlonely/settings/serializer"
	"github.com/hatlonely/settings/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPutCommand(flags *globalFlags) *cobra.Command {
	var file string
	var id string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Write a settings document to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := loadOptions(flags)
			if err != nil {
				return err
			}

			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			if id == "" {
				id = doc.SettingsID()
			}
			if id == "" {
				id = options.SettingsID
			}

			s, err := store.NewStoreWithOptions[store.Document](options.Store)
			if err != nil {
				return errors.WithMessage(err, "failed to create store")
			}
			defer s.Close()

			writer, ok := s.(store.Writer[store.Document])
			if !ok {
				return errors.Errorf("%T does not support writes", s)
			}
			if err := writer.Save(cmd.Context(), id, &doc); err != nil {
				return errors.WithMessagef(err, "failed to save settings %s", id)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", id)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document file (json, yaml or yml)")
	cmd.Flags().StringVar(&id, "id", "", "settings id, defaults to the document id or the configured settingsId")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDocument(path string) (store.Document, error) {
	s, err := serializer.ForExt[store.Document](filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	doc, err := s.Deserialize(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode %s", path)
	}
	return doc, nil
}
