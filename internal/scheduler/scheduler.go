package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/fetcher"
	"pricewatch/internal/watchlist"
)

// ChannelPool pairs a channel's (resilience-wrapped) adapter with the
// worker count of its pool.
type ChannelPool struct {
	Fetcher     fetcher.Fetcher
	Concurrency int
}

// Collector fans the watchlist snapshot out to one bounded worker pool
// per channel and gathers a terminal observation for every entry.
// Channels run concurrently with respect to each other; a slow or
// throttled channel only stalls its own pool.
type Collector struct {
	pools  map[string]ChannelPool
	logger zerolog.Logger
}

// NewCollector builds a collector over the given channel pools.
func NewCollector(pools map[string]ChannelPool, logger zerolog.Logger) *Collector {
	return &Collector{
		pools:  pools,
		logger: logger.With().Str("component", "collector").Logger(),
	}
}

// Collect runs every entry through its channel's pool and returns when
// all pools have drained. Guarantees: exactly one observation per
// entry; one entry's failure never aborts another; when ctx expires,
// in-flight fetches are cancelled and entries not yet started come back
// with status timeout. A fatal adapter error (bad credentials and the
// like) aborts only that channel; its remaining entries are recorded as
// fetch errors naming the abort. Run-scoped adapter caches (the paris
// price feed) are discarded before a pool dispatches, so every run
// observes current prices.
func (c *Collector) Collect(ctx context.Context, entries []watchlist.Entry) []watchlist.Observation {
	byChannel := make(map[string][]watchlist.Entry)
	for _, entry := range entries {
		byChannel[entry.Channel] = append(byChannel[entry.Channel], entry)
	}

	results := make(chan watchlist.Observation, len(entries))
	var wg sync.WaitGroup
	for channel, channelEntries := range byChannel {
		pool, ok := c.pools[channel]
		if !ok {
			// Service-level validation should have caught this; keep
			// the no-silent-drops guarantee anyway.
			for _, entry := range channelEntries {
				results <- terminal(entry, watchlist.StatusFetchError, fmt.Sprintf("no adapter for channel %s", channel))
			}
			continue
		}

		wg.Add(1)
		go func(channel string, pool ChannelPool, channelEntries []watchlist.Entry) {
			defer wg.Done()
			c.runPool(ctx, channel, pool, channelEntries, results)
		}(channel, pool, channelEntries)
	}
	wg.Wait()
	close(results)

	out := make([]watchlist.Observation, 0, len(entries))
	for obs := range results {
		out = append(out, obs)
	}
	return out
}

// runPool drains one channel's entries through a fixed set of workers.
func (c *Collector) runPool(ctx context.Context, channel string, pool ChannelPool, entries []watchlist.Entry, results chan<- watchlist.Observation) {
	if cache, ok := pool.Fetcher.(fetcher.RunCache); ok {
		cache.ResetRun()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var abort struct {
		sync.Mutex
		err error
	}
	fail := func(err error) {
		abort.Lock()
		if abort.err == nil {
			abort.err = err
			cancel()
		}
		abort.Unlock()
	}
	abortErr := func() error {
		abort.Lock()
		defer abort.Unlock()
		return abort.err
	}

	workers := pool.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(entries) {
		workers = len(entries)
	}

	started := time.Now()
	jobs := make(chan watchlist.Entry)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for entry := range jobs {
				results <- c.fetchOne(poolCtx, channel, pool.Fetcher, entry, fail, abortErr)
			}
		}()
	}
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	c.logger.Debug().
		Str("channel", channel).
		Int("entries", len(entries)).
		Int("workers", workers).
		Dur("elapsed", time.Since(started)).
		Msg("channel pool drained")
}

func (c *Collector) fetchOne(ctx context.Context, channel string, f fetcher.Fetcher, entry watchlist.Entry, fail func(error), abortErr func() error) watchlist.Observation {
	if ctx.Err() != nil {
		if err := abortErr(); err != nil {
			return terminal(entry, watchlist.StatusFetchError, fmt.Sprintf("channel aborted: %s", err))
		}
		return terminal(entry, watchlist.StatusTimeout, "run deadline reached before fetch started")
	}

	obs, err := f.Fetch(ctx, entry)
	if err != nil {
		fail(err)
		c.logger.Error().Err(err).
			Str("channel", channel).
			Str("entry", entry.String()).
			Msg("fatal adapter error, aborting channel")
		return terminal(entry, watchlist.StatusFetchError, fmt.Sprintf("channel aborted: %s", err))
	}
	return obs
}

func terminal(entry watchlist.Entry, status watchlist.Status, detail string) watchlist.Observation {
	return watchlist.Observation{
		Entry:      entry,
		ObservedAt: time.Now().UTC(),
		Status:     status,
		Error:      detail,
	}
}
