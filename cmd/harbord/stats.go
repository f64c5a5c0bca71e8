package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Bucket usage statistics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Recompute the usage snapshot of every bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			refreshed, err := a.Stats.RefreshAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d buckets\n", refreshed)
			return nil
		},
	})
	return cmd
}
