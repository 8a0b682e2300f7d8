package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/viant/taskstream"
	"github.com/viant/taskstream/service/api"
	"goa.design/clue/log"
)

func newServeCmd(options *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(options.logContext(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			config, err := options.loadConfig(ctx)
			if err != nil {
				return err
			}
			service, err := taskstream.New(ctx, taskstream.WithConfig(config))
			if err != nil {
				return err
			}
			runtime := service.Runtime()
			if err = runtime.Start(ctx); err != nil {
				return err
			}
			err = api.New(service).ListenAndServe(ctx, config.Server.Addr)
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Poller.Interval)
			defer cancel()
			if shutdownErr := runtime.Shutdown(shutdownCtx); shutdownErr != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "agent runs cancelled on shutdown"}, log.KV{K: "err", V: shutdownErr.Error()})
			}
			log.Printf(ctx, "exited")
			return err
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	return cmd
}
