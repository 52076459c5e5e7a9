package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"quant-monitor/internal/app"
)

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots older than the given duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan <= 0 {
			return errors.New("--older-than must be greater than zero")
		}

		return getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: pruneOlderThan,
		})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 24*time.Hour, "Delete snapshots older than this duration")
}
