package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

// WatchItem is a persisted watchlist row, synced one-way from the
// merchandising sheet export.
type WatchItem struct {
	ID               int64
	SKU              string
	Channel          string
	Role             string
	URL              string
	CompetitorName   string
	FrequencyMinutes int
	GapThreshold     decimal.Decimal
	Active           bool
	UpdatedAt        time.Time
}

// Entry converts the row into the snapshot shape runs consume.
func (w WatchItem) Entry() watchlist.Entry {
	return watchlist.Entry{
		SKU:              w.SKU,
		Channel:          w.Channel,
		Role:             watchlist.Role(w.Role),
		URL:              w.URL,
		CompetitorName:   w.CompetitorName,
		FrequencyMinutes: w.FrequencyMinutes,
		GapThreshold:     w.GapThreshold,
		Active:           w.Active,
	}
}

// WatchItemFromEntry converts a watchlist entry into its row shape.
func WatchItemFromEntry(e watchlist.Entry) WatchItem {
	return WatchItem{
		SKU:              e.SKU,
		Channel:          e.Channel,
		Role:             string(e.Role),
		URL:              e.URL,
		CompetitorName:   e.CompetitorName,
		FrequencyMinutes: e.FrequencyMinutes,
		GapThreshold:     e.GapThreshold,
		Active:           e.Active,
	}
}

// VerdictRow is one persisted gap computation, the unit of the
// exported history.
type VerdictRow struct {
	ID              int64
	RunID           string
	SKU             string
	Channel         string
	CompetitorName  string
	OwnPrice        decimal.Decimal
	CompetitorPrice decimal.Decimal
	GapRatio        decimal.Decimal
	Threshold       decimal.Decimal
	Exceeds         bool
	CreatedAt       time.Time
}
