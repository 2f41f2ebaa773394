package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	runChannels  []string
	runMode      string
	runSource    string
	runWatchlist string
	runForce     bool
	runWatch     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one monitoring pass (or the recurring loop with --watch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RunOptions{
			Channels:      runChannels,
			Mode:          runMode,
			Source:        runSource,
			WatchlistPath: runWatchlist,
			Force:         runForce,
			Watch:         runWatch,
		}
		return getApp().Run(cmd.Context(), opts)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runChannels, "channels", nil, "Channels to engage (defaults to config, then all)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Fetch mode: own, competitor, or both")
	runCmd.Flags().StringVar(&runSource, "source", "", "Watchlist source: csv or db (defaults to config)")
	runCmd.Flags().StringVar(&runWatchlist, "watchlist", "", "Path to the watchlist CSV (csv source only)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Ignore per-item frequency and fetch everything (db source only)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Keep running on the configured interval")
}
