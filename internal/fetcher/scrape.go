package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

// defaultPricePattern matches the price field of the JSON-LD block most
// product pages embed. Channels with odd markup override it in config.
const defaultPricePattern = `"price"\s*:\s*"?([0-9]+(?:[.,][0-9]+)?)"?`

// ScrapeOptions parameterise competitor page scraping for a channel.
type ScrapeOptions struct {
	Channel      string
	UserAgent    string
	PricePattern string
}

// Scrape extracts competitor prices from product pages. There is no
// authentication: these are the public storefront pages.
type Scrape struct {
	opts    ScrapeOptions
	pattern *regexp.Regexp
	logger  zerolog.Logger
	client  *http.Client
}

var _ Fetcher = (*Scrape)(nil)

// NewScrape compiles the price pattern and builds the adapter.
func NewScrape(opts ScrapeOptions, logger zerolog.Logger) (*Scrape, error) {
	raw := opts.PricePattern
	if raw == "" {
		raw = defaultPricePattern
	}
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("channel %s: compile price pattern: %w", opts.Channel, err)
	}
	if pattern.NumSubexp() < 1 {
		return nil, fmt.Errorf("channel %s: price pattern needs one capture group", opts.Channel)
	}
	return &Scrape{
		opts:    opts,
		pattern: pattern,
		logger:  logger.With().Str("component", "scrape_fetcher").Str("channel", opts.Channel).Logger(),
		client:  &http.Client{},
	}, nil
}

// Fetch downloads the product page and extracts the first price match.
func (s *Scrape) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return failed(entry, watchlist.StatusFetchError, fmt.Errorf("build request: %w", err)), nil
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "es-CL,es;q=0.9")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return failed(entry, statusFromErr(err), err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failed(entry, statusFromErr(err), fmt.Errorf("read page: %w", err)), nil
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return s.extract(entry, body), nil
	case resp.StatusCode == http.StatusNotFound:
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("product page not found (404)")), nil
	default:
		// 403s from anti-bot layers are transient often enough to retry.
		return failed(entry, watchlist.StatusFetchError, fmt.Errorf("page returned status %d", resp.StatusCode)), nil
	}
}

func (s *Scrape) extract(entry watchlist.Entry, body []byte) watchlist.Observation {
	match := s.pattern.FindSubmatch(body)
	if match == nil || len(match) < 2 {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("price pattern not found in page"))
	}
	price, err := decimal.NewFromString(normalizePrice(string(match[1])))
	if err != nil {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("parse price %q: %w", match[1], err))
	}
	if !price.IsPositive() {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("non-positive price %s", price))
	}
	return observed(entry, price)
}

// normalizePrice turns locally formatted amounts into decimal syntax.
// "12.990" and "12.990,50" use dots for thousands; "12990.50" is
// already machine-formatted and passes through.
func normalizePrice(s string) string {
	s = strings.TrimSpace(s)
	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")
	switch {
	case hasDot && hasComma:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case hasComma:
		s = strings.ReplaceAll(s, ",", ".")
	case hasDot:
		// Dots followed by exactly three digits are thousands separators
		// in es-CL price markup; "129.90" stays a decimal point.
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		} else if i := strings.LastIndex(s, "."); len(s)-i-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	return s
}
