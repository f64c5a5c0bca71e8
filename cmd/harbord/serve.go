package main

import (
	"harbor/pkg/log"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			if addr == "" {
				addr = a.Config.HTTP.Addr
			}

			scheduler, err := a.Scheduler()
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()

			log.Info().Str("version", opts.version).Str("storage", a.Config.Storage.Backend).
				Str("database", a.Config.Database.Driver).Msg("Harbor starting")
			return a.Server(opts.version).Start(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides http.addr")
	return cmd
}
