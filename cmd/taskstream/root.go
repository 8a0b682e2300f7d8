package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/viant/taskstream"
	"goa.design/clue/log"
)

const envPrefix = "TASKSTREAM"

type rootOptions struct {
	configURL string
	debug     bool
	v         *viper.Viper
}

func newRootCmd() *cobra.Command {
	options := &rootOptions{v: viper.New()}
	rootCmd := &cobra.Command{
		Use:          "taskstream",
		Short:        "Run and track LLM agent sessions for a workflow engine",
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&options.configURL, "config", "c", "", "YAML configuration file")
	flags.BoolVar(&options.debug, "debug", false, "enable debug logs")
	flags.String("store", "", "session store kind (memory|fs|redis)")
	flags.String("store-path", "", "session store location for the fs store")
	flags.String("redis-addr", "", "redis address for the redis store")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		options.bindChanged(cmd, map[string]string{
			"store":      "store.kind",
			"store-path": "store.path",
			"redis-addr": "store.redisAddr",
			"addr":       "server.addr",
		})
	}

	rootCmd.AddCommand(
		newServeCmd(options),
		newSessionCmd(options),
		newVersionCmd(),
	)
	return rootCmd
}

// logContext builds the process logging context
func (o *rootOptions) logContext(ctx context.Context) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if o.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// bindChanged copies explicitly set flags into viper; unset flags must not
// override file or environment values with their zero defaults.
func (o *rootOptions) bindChanged(cmd *cobra.Command, keys map[string]string) {
	for name, key := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		o.v.Set(key, flag.Value.String())
	}
}

// loadConfig layers the config file, TASKSTREAM_* environment variables and
// flags over the defaults.
func (o *rootOptions) loadConfig(ctx context.Context) (*taskstream.Config, error) {
	config := taskstream.DefaultConfig()
	if o.configURL != "" {
		loaded, err := taskstream.LoadConfig(ctx, o.configURL)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	o.v.SetEnvPrefix(envPrefix)
	o.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	o.v.AutomaticEnv()
	for _, key := range []string{
		"store.kind", "store.path", "store.redisAddr", "store.redisPrefix",
		"queue.kind", "queue.path",
		"server.addr",
		"agent.model", "agent.maxIterations",
		"poller.interval", "poller.maxAttempts", "poller.workers", "poller.cancelSuperseded",
		"provider.anthropicApiKey", "provider.openaiApiKey", "provider.openaiModel",
		"instructions", "tracing.enabled", "tracing.outputFile",
	} {
		_ = o.v.BindEnv(key)
	}
	if err := o.v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to apply configuration overrides: %w", err)
	}
	return config, config.Validate()
}
