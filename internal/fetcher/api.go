package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

const maxBodyBytes = 2 << 20

// APIOptions parameterise an authenticated channel price API.
type APIOptions struct {
	Channel   string
	UserAgent string
	Token     string
}

// API fetches listing prices from a channel's seller API. The entry URL
// points directly at the listing resource.
type API struct {
	opts   APIOptions
	logger zerolog.Logger
	client *http.Client
}

var _ Fetcher = (*API)(nil)

// NewAPI constructs an API adapter. The per-attempt timeout comes from
// the request context, not the client.
func NewAPI(opts APIOptions, logger zerolog.Logger) *API {
	return &API{
		opts:   opts,
		logger: logger.With().Str("component", "api_fetcher").Str("channel", opts.Channel).Logger(),
		client: &http.Client{},
	}
}

type listingResponse struct {
	Price    json.Number `json:"price"`
	Currency string      `json:"currency"`
	Stock    *int        `json:"stock"`
}

// Fetch retrieves one listing. Auth rejections are fatal for the
// channel; every other failure is reported in the observation.
func (a *API) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return failed(entry, watchlist.StatusFetchError, fmt.Errorf("build request: %w", err)), nil
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if a.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return failed(entry, statusFromErr(err), err), nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failed(entry, statusFromErr(err), fmt.Errorf("read response: %w", err)), nil
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return a.parseListing(entry, payload), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return watchlist.Observation{}, fmt.Errorf("channel %s: credentials rejected (%d)", a.opts.Channel, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("listing not found (404)")), nil
	default:
		return failed(entry, watchlist.StatusFetchError, parseHTTPError(a.opts.Channel, resp.StatusCode, payload)), nil
	}
}

func (a *API) parseListing(entry watchlist.Entry, payload []byte) watchlist.Observation {
	var listing listingResponse
	if err := json.Unmarshal(payload, &listing); err != nil {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("decode listing: %w", err))
	}
	if listing.Price == "" {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("listing has no price field"))
	}
	price, err := decimal.NewFromString(listing.Price.String())
	if err != nil {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("parse price %q: %w", listing.Price, err))
	}
	if !price.IsPositive() {
		return failed(entry, watchlist.StatusParseError, fmt.Errorf("non-positive price %s", price))
	}
	return observed(entry, price)
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(channel string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("%s api error (%d): %s", channel, status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", channel, status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("%s api error (%d): %s", channel, status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		snippet := strings.TrimSpace(string(payload))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("%s api error (%d): %s", channel, status, snippet)
	}
	return fmt.Errorf("%s api error (%d)", channel, status)
}
