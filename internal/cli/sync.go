package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	syncWatchlist string
	syncDryRun    bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert the CSV watchlist into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{
			WatchlistPath: syncWatchlist,
			DryRun:        syncDryRun,
		}
		return getApp().Sync(cmd.Context(), opts)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncWatchlist, "watchlist", "", "Path to the watchlist CSV (defaults to config)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Parse and validate without writing to storage")
}
