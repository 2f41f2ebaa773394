package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

// Channel names with built-in adapters.
const (
	ChannelProchef   = "prochef"
	ChannelFalabella = "falabella"
	ChannelRipley    = "ripley"
	ChannelParis     = "paris"
	ChannelWalmart   = "walmart"
)

// ErrUnknownChannel marks a watchlist channel with no adapter.
var ErrUnknownChannel = errors.New("unknown channel")

// Fetcher retrieves the current price for one watchlist entry.
// Expected failures (unreachable host, bad document, timeout) are
// reported inside the Observation with a nil error. A non-nil error
// means the channel is unusable for the rest of the run, for example
// rejected credentials.
type Fetcher interface {
	Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error)
}

// Options assembles everything a channel adapter needs. The caller
// resolves credentials and config before constructing the adapter.
type Options struct {
	Channel         string
	APIUserAgent    string
	APIToken        string
	FeedURL         string
	ScrapeUserAgent string
	PricePattern    string
}

// New builds the adapter for a channel. Construction fails only on
// configuration faults: an unknown channel, a missing feed URL, or an
// invalid price pattern.
func New(opts Options, logger zerolog.Logger) (Fetcher, error) {
	switch opts.Channel {
	case ChannelProchef:
		return NewAPI(APIOptions{
			Channel:   opts.Channel,
			UserAgent: opts.APIUserAgent,
			Token:     opts.APIToken,
		}, logger), nil

	case ChannelFalabella, ChannelRipley, ChannelWalmart:
		scrape, err := NewScrape(ScrapeOptions{
			Channel:      opts.Channel,
			UserAgent:    opts.ScrapeUserAgent,
			PricePattern: opts.PricePattern,
		}, logger)
		if err != nil {
			return nil, err
		}
		api := NewAPI(APIOptions{
			Channel:   opts.Channel,
			UserAgent: opts.APIUserAgent,
			Token:     opts.APIToken,
		}, logger)
		return &roleRouter{channel: opts.Channel, own: api, competitor: scrape}, nil

	case ChannelParis:
		scrape, err := NewScrape(ScrapeOptions{
			Channel:      opts.Channel,
			UserAgent:    opts.ScrapeUserAgent,
			PricePattern: opts.PricePattern,
		}, logger)
		if err != nil {
			return nil, err
		}
		feed, err := NewFeed(FeedOptions{
			Channel:   opts.Channel,
			URL:       opts.FeedURL,
			UserAgent: opts.APIUserAgent,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &roleRouter{channel: opts.Channel, own: feed, competitor: scrape}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, opts.Channel)
	}
}

// Known reports whether a channel has a built-in adapter.
func Known(channel string) bool {
	switch channel {
	case ChannelProchef, ChannelFalabella, ChannelRipley, ChannelParis, ChannelWalmart:
		return true
	default:
		return false
	}
}

// RunCache is implemented by adapters that hold state scoped to a
// single run, like the paris price feed. ResetRun discards that state
// so the next run downloads fresh data.
type RunCache interface {
	ResetRun()
}

func resetRun(f Fetcher) {
	if c, ok := f.(RunCache); ok {
		c.ResetRun()
	}
}

// roleRouter splits fetches by entry role: our own listings go through
// the channel's structured source, competitor listings are scraped.
type roleRouter struct {
	channel    string
	own        Fetcher
	competitor Fetcher
}

var _ Fetcher = (*roleRouter)(nil)

func (r *roleRouter) ResetRun() {
	resetRun(r.own)
	resetRun(r.competitor)
}

func (r *roleRouter) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	switch entry.Role {
	case watchlist.RoleOwn:
		return r.own.Fetch(ctx, entry)
	case watchlist.RoleCompetitor:
		return r.competitor.Fetch(ctx, entry)
	default:
		return failed(entry, watchlist.StatusFetchError, fmt.Errorf("no adapter for role %q", entry.Role)), nil
	}
}

func observed(entry watchlist.Entry, price decimal.Decimal) watchlist.Observation {
	return watchlist.Observation{
		Entry:      entry,
		Price:      price,
		ObservedAt: time.Now().UTC(),
		Status:     watchlist.StatusOK,
	}
}

func failed(entry watchlist.Entry, status watchlist.Status, err error) watchlist.Observation {
	obs := watchlist.Observation{
		Entry:      entry,
		ObservedAt: time.Now().UTC(),
		Status:     status,
	}
	if err != nil {
		obs.Error = err.Error()
	}
	return obs
}

// statusFromErr classifies a transport error. Context expiry counts as
// a timeout whether it came from the per-attempt budget or the run
// deadline; everything else is a retryable fetch error.
func statusFromErr(err error) watchlist.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return watchlist.StatusTimeout
	}
	return watchlist.StatusFetchError
}
