package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/watchlist"
)

// DBSource loads the watchlist snapshot from the watch_items table.
// Unless forced, it honors each row's fetch frequency against the last
// stored observation, so a row sampled recently sits a run out.
type DBSource struct {
	store  WatchItemStore
	force  bool
	logger zerolog.Logger
}

var _ watchlist.Source = (*DBSource)(nil)

// NewDBSource builds a source over the persisted watchlist.
func NewDBSource(store WatchItemStore, force bool, logger zerolog.Logger) *DBSource {
	return &DBSource{
		store:  store,
		force:  force,
		logger: logger.With().Str("component", "watchlist_db").Logger(),
	}
}

// LoadWatchlist returns the due (or, when forced, all active) entries.
func (s *DBSource) LoadWatchlist(ctx context.Context) ([]watchlist.Entry, error) {
	var (
		items []WatchItem
		err   error
	)
	if s.force {
		items, err = s.store.ListActiveWatchItems(ctx)
	} else {
		items, err = s.store.ListDueWatchItems(ctx, time.Now().UTC())
	}
	if err != nil {
		return nil, err
	}

	entries := make([]watchlist.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, item.Entry())
	}
	s.logger.Debug().Int("entries", len(entries)).Bool("force", s.force).Msg("watchlist loaded from database")
	return entries, nil
}
