package main

import (
	"context"

	"harbor/pkg/app"
	"harbor/pkg/config"
	"harbor/pkg/log"

	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	debug      bool
	version    string
}

func newRootCommand(version string) *cobra.Command {
	opts := &options{version: version}
	rootCmd := &cobra.Command{
		Use:   "harbord",
		Short: "Harbor object storage server",
		Long: `harbord serves buckets, directories and objects over HTTP with chunked
uploads, range downloads, share links and access keys.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to harbor.yaml")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newUserCommand(opts))
	rootCmd.AddCommand(newStatsCommand(opts))
	rootCmd.AddCommand(newVersionCommand(opts))

	return rootCmd
}

// loadConfig reads the configuration and applies its log settings.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := log.Configure(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return nil, err
	}
	if o.debug {
		log.SetDebugMode()
	}
	return cfg, nil
}

// openApp loads the configuration and wires every component.
func (o *options) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close application")
	}
}
