package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

// stubFetcher answers every entry with a fixed price after an optional
// delay, tracking how many fetches ran at once.
type stubFetcher struct {
	delay    time.Duration
	fatal    error
	inflight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	f.calls.Add(1)
	if f.fatal != nil {
		return watchlist.Observation{}, f.fatal
	}

	now := f.inflight.Add(1)
	for {
		prev := f.maxSeen.Load()
		if now <= prev || f.maxSeen.CompareAndSwap(prev, now) {
			break
		}
	}
	defer f.inflight.Add(-1)

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return watchlist.Observation{
				Entry:      entry,
				ObservedAt: time.Now().UTC(),
				Status:     watchlist.StatusTimeout,
				Error:      ctx.Err().Error(),
			}, nil
		case <-time.After(f.delay):
		}
	}
	return watchlist.Observation{
		Entry:      entry,
		Price:      decimal.NewFromInt(100),
		ObservedAt: time.Now().UTC(),
		Status:     watchlist.StatusOK,
	}, nil
}

func entriesFor(channel string, n int) []watchlist.Entry {
	out := make([]watchlist.Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, watchlist.Entry{
			SKU:     "SKU" + string(rune('A'+i)),
			Channel: channel,
			Role:    watchlist.RoleOwn,
			URL:     "https://" + channel + "/p",
			Active:  true,
		})
	}
	return out
}

func TestCollectOneObservationPerEntry(t *testing.T) {
	f := &stubFetcher{}
	c := NewCollector(map[string]ChannelPool{
		"falabella": {Fetcher: f, Concurrency: 4},
		"ripley":    {Fetcher: f, Concurrency: 4},
	}, zerolog.Nop())

	entries := append(entriesFor("falabella", 7), entriesFor("ripley", 5)...)
	observations := c.Collect(context.Background(), entries)

	if len(observations) != len(entries) {
		t.Fatalf("expected %d observations, got %d", len(entries), len(observations))
	}
	seen := make(map[watchlist.Key]int)
	for _, obs := range observations {
		seen[obs.Entry.Key()]++
	}
	for key, n := range seen {
		if n != 1 {
			t.Fatalf("entry %v produced %d observations", key, n)
		}
	}
}

func TestCollectRespectsConcurrencyLimit(t *testing.T) {
	f := &stubFetcher{delay: 20 * time.Millisecond}
	c := NewCollector(map[string]ChannelPool{
		"falabella": {Fetcher: f, Concurrency: 2},
	}, zerolog.Nop())

	c.Collect(context.Background(), entriesFor("falabella", 8))

	if max := f.maxSeen.Load(); max > 2 {
		t.Fatalf("pool of 2 ran %d fetches at once", max)
	}
}

func TestCollectSlowChannelDoesNotStarveOthers(t *testing.T) {
	blocked := &stubFetcher{delay: time.Hour}
	fast := &stubFetcher{}
	c := NewCollector(map[string]ChannelPool{
		"paris":  {Fetcher: blocked, Concurrency: 2},
		"ripley": {Fetcher: fast, Concurrency: 2},
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	entries := append(entriesFor("paris", 4), entriesFor("ripley", 4)...)
	observations := c.Collect(ctx, entries)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("collect must return shortly after the deadline, took %s", elapsed)
	}
	if len(observations) != len(entries) {
		t.Fatalf("expected %d observations even past the deadline, got %d", len(entries), len(observations))
	}

	byChannel := make(map[string][]watchlist.Observation)
	for _, obs := range observations {
		byChannel[obs.Entry.Channel] = append(byChannel[obs.Entry.Channel], obs)
	}
	for _, obs := range byChannel["ripley"] {
		if !obs.OK() {
			t.Fatalf("fast channel should be unaffected, got %s: %s", obs.Status, obs.Error)
		}
	}
	for _, obs := range byChannel["paris"] {
		if obs.Status != watchlist.StatusTimeout {
			t.Fatalf("blocked channel entries must end as timeout, got %s", obs.Status)
		}
	}
}

func TestCollectFatalErrorAbortsOnlyThatChannel(t *testing.T) {
	broken := &stubFetcher{fatal: errors.New("credentials rejected (401)")}
	fine := &stubFetcher{}
	c := NewCollector(map[string]ChannelPool{
		"walmart": {Fetcher: broken, Concurrency: 1},
		"ripley":  {Fetcher: fine, Concurrency: 2},
	}, zerolog.Nop())

	entries := append(entriesFor("walmart", 3), entriesFor("ripley", 3)...)
	observations := c.Collect(context.Background(), entries)

	if len(observations) != len(entries) {
		t.Fatalf("expected %d observations, got %d", len(entries), len(observations))
	}
	for _, obs := range observations {
		switch obs.Entry.Channel {
		case "walmart":
			if obs.Status != watchlist.StatusFetchError {
				t.Fatalf("aborted channel entries must be fetch errors, got %s", obs.Status)
			}
			if !strings.Contains(obs.Error, "channel aborted") {
				t.Fatalf("abort reason should be recorded, got %q", obs.Error)
			}
		case "ripley":
			if !obs.OK() {
				t.Fatalf("healthy channel must be isolated from the abort, got %s", obs.Status)
			}
		}
	}
}

// cachingFetcher tracks how often its run-scoped cache is discarded.
type cachingFetcher struct {
	stubFetcher
	resets atomic.Int32
}

func (f *cachingFetcher) ResetRun() {
	f.resets.Add(1)
}

func TestCollectDiscardsRunCachesEveryRun(t *testing.T) {
	f := &cachingFetcher{}
	c := NewCollector(map[string]ChannelPool{
		"paris": {Fetcher: f, Concurrency: 2},
	}, zerolog.Nop())

	for run := 0; run < 2; run++ {
		c.Collect(context.Background(), entriesFor("paris", 3))
	}

	if got := f.resets.Load(); got != 2 {
		t.Fatalf("adapter caches must be discarded once per run, got %d resets", got)
	}
}

func TestCollectUnknownChannelRecordsFailure(t *testing.T) {
	c := NewCollector(map[string]ChannelPool{}, zerolog.Nop())

	observations := c.Collect(context.Background(), entriesFor("ghost", 2))
	if len(observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(observations))
	}
	for _, obs := range observations {
		if obs.Status != watchlist.StatusFetchError {
			t.Fatalf("expected fetch_error for unknown channel, got %s", obs.Status)
		}
	}
}
