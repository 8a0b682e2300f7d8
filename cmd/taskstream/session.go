package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/viant/taskstream"
)

func newSessionCmd(options *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := options.logContext(cmd.Context())
			config, err := options.loadConfig(ctx)
			if err != nil {
				return err
			}
			service, err := taskstream.New(ctx, taskstream.WithConfig(config), taskstream.WithRegisterer(nil))
			if err != nil {
				return err
			}
			aSession, err := service.Runtime().Session(ctx, args[0])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(aSession)
		},
	})
	return cmd
}
