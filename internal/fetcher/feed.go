package fetcher

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

// FeedOptions parameterise a bulk price feed.
type FeedOptions struct {
	Channel   string
	URL       string
	UserAgent string
}

// Feed serves own-listing prices out of a channel's bulk price feed, a
// CSV of sku/precio rows. The feed is downloaded once per run on first
// use and shared by every worker; only a successful download is cached,
// and the cache is discarded between runs via ResetRun.
type Feed struct {
	opts   FeedOptions
	logger zerolog.Logger
	client *http.Client

	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

var _ Fetcher = (*Feed)(nil)

// NewFeed validates the feed location and builds the adapter.
func NewFeed(opts FeedOptions, logger zerolog.Logger) (*Feed, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel %s: feed url not configured", opts.Channel)
	}
	return &Feed{
		opts:   opts,
		logger: logger.With().Str("component", "feed_fetcher").Str("channel", opts.Channel).Logger(),
		client: &http.Client{},
	}, nil
}

// ResetRun discards the cached feed so the next fetch downloads a
// fresh copy. The scheduler calls it at the start of every run; without
// it a long-lived watch process would serve the first download forever.
func (f *Feed) ResetRun() {
	f.mu.Lock()
	f.prices = nil
	f.mu.Unlock()
}

// Fetch looks the entry's SKU up in the feed. A SKU missing from an
// otherwise good feed is a parse error: retrying will not add rows.
func (f *Feed) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	prices, err := f.load(ctx)
	if err != nil {
		return failed(entry, statusFromErr(err), err), nil
	}
	price, ok := prices[entry.SKU]
	if !ok {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("sku %s not present in feed", entry.SKU)), nil
	}
	return observed(entry, price), nil
}

func (f *Feed) load(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices != nil {
		return f.prices, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	prices, err := parseFeed(resp.Body)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().Int("skus", len(prices)).Msg("price feed loaded")
	f.prices = prices
	return prices, nil
}

func parseFeed(r io.Reader) (map[string]decimal.Decimal, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read feed header: %w", err)
	}
	skuIdx, priceIdx := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sku":
			skuIdx = i
		case "precio", "price":
			priceIdx = i
		}
	}
	if skuIdx < 0 || priceIdx < 0 {
		return nil, fmt.Errorf("feed header missing sku/precio columns")
	}

	prices := make(map[string]decimal.Decimal)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read feed row: %w", err)
		}
		if skuIdx >= len(record) || priceIdx >= len(record) {
			continue
		}
		sku := strings.TrimSpace(record[skuIdx])
		price, perr := decimal.NewFromString(normalizePrice(record[priceIdx]))
		if sku == "" || perr != nil || !price.IsPositive() {
			continue
		}
		prices[sku] = price
	}
	return prices, nil
}
