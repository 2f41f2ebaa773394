package app

import (
	"context"
	"fmt"
	"os"

	"pricewatch/internal/storage"
	"pricewatch/internal/watchlist"
)

// Sync upserts the CSV watchlist into the database. The flow is
// one-way: the CSV is the editable master, the table is what scheduled
// runs read.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	path := opts.WatchlistPath
	if path == "" {
		path = a.Config.Watchlist.CSVPath
	}

	entries, err := watchlist.NewCSVSource(path, a.Logger).LoadWatchlist(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.Logger.Warn().Str("path", path).Msg("watchlist file is empty; nothing to sync")
		return nil
	}

	items := make([]storage.WatchItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, storage.WatchItemFromEntry(entry))
	}

	if opts.DryRun {
		fmt.Fprintf(os.Stdout, "dry-run: would sync %d watchlist rows from %s\n", len(items), path)
		return nil
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := store.UpsertWatchItems(ctx, items)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("rows", n).Str("path", path).Msg("watchlist synced")
	fmt.Fprintf(os.Stdout, "synced %d watchlist rows from %s\n", n, path)
	return nil
}
