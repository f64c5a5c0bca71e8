package main

import (
	"harbor/pkg/log"
	"harbor/pkg/metadata"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			meta, err := metadata.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Database.Driver).Msg("Schema is up to date")
			return meta.Close()
		},
	}
}
