package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/rules"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/watchlist"
)

// staticSource answers with a fixed snapshot.
type staticSource struct {
	entries []watchlist.Entry
}

func (s *staticSource) LoadWatchlist(ctx context.Context) ([]watchlist.Entry, error) {
	return s.entries, nil
}

// priceBook serves configured prices per entry key.
type priceBook struct {
	mu     sync.Mutex
	prices map[watchlist.Key]decimal.Decimal
}

func (b *priceBook) set(key watchlist.Key, price string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[key] = decimal.RequireFromString(price)
}

func (b *priceBook) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	b.mu.Lock()
	price, ok := b.prices[entry.Key()]
	b.mu.Unlock()
	obs := watchlist.Observation{Entry: entry, ObservedAt: time.Now().UTC(), Attempts: 1}
	if !ok {
		obs.Status = watchlist.StatusFetchError
		obs.Error = "no listing"
		return obs, nil
	}
	obs.Status = watchlist.StatusOK
	obs.Price = price
	return obs, nil
}

// recordingNotifier captures dispatched notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) byEvent(event alerting.Event) []alerting.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []alerting.Notification
	for _, note := range n.notes {
		if note.Event == event {
			out = append(out, note)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Run: config.RunConfig{Deadline: 5 * time.Second},
		ChannelDefaults: config.ChannelConfig{
			Timeout:             time.Second,
			MaxAttempts:         1,
			Concurrency:         2,
			RequestsPerSecond:   1000,
			Burst:               1000,
			DefaultGapThreshold: 0.10,
		},
		Alerting: config.AlertingConfig{
			Enabled:      true,
			Directions:   "undercut",
			EmitResolved: true,
		},
	}
}

func ownEntry(sku string) watchlist.Entry {
	return watchlist.Entry{SKU: sku, Channel: "falabella", Role: watchlist.RoleOwn, URL: "https://falabella/own/" + sku, Active: true}
}

func competitorEntry(sku, name string) watchlist.Entry {
	return watchlist.Entry{SKU: sku, Channel: "falabella", Role: watchlist.RoleCompetitor, CompetitorName: name, URL: "https://other/" + sku, Active: true}
}

func newTestService(t *testing.T, book *priceBook, notifier alerting.Notifier, entries ...watchlist.Entry) (*Service, *rules.MemoryHistory) {
	t.Helper()
	cfg := testConfig()
	history := rules.NewMemoryHistory()
	collector := scheduler.NewCollector(map[string]scheduler.ChannelPool{
		"falabella": {Fetcher: book, Concurrency: 2},
	}, zerolog.Nop())

	svc := New(cfg, Deps{
		Source:    &staticSource{entries: entries},
		Collector: collector,
		Engine:    rules.NewEngine(rules.EngineOptions{Directions: cfg.Alerting.Directions}, zerolog.Nop()),
		History:   history,
		Notifier:  notifier,
	}, zerolog.Nop())
	return svc, history
}

func TestRunOnceOpensAlertEndToEnd(t *testing.T) {
	book := &priceBook{prices: map[watchlist.Key]decimal.Decimal{}}
	own := ownEntry("ABC123")
	comp := competitorEntry("ABC123", "TiendaX")
	book.set(own.Key(), "100")
	book.set(comp.Key(), "85")

	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, book, notifier, own, comp)

	report, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeBoth})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Entries != 2 || report.Verdicts != 1 || report.Exceeding != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Opened != 1 {
		t.Fatalf("expected 1 opened alert, got %d", report.Opened)
	}

	opened := notifier.byEvent(alerting.EventOpened)
	if len(opened) != 1 {
		t.Fatalf("expected 1 opened notification, got %d", len(opened))
	}
	alert := opened[0].Alert
	if !alert.GapRatio.Equal(decimal.RequireFromString("-0.15")) {
		t.Fatalf("expected gap -0.15, got %s", alert.GapRatio)
	}
	if alert.Severity != "warning" {
		t.Fatalf("a 1.5x breach is a warning, got %s", alert.Severity)
	}
}

func TestRunOnceDeduplicatesAcrossRuns(t *testing.T) {
	book := &priceBook{prices: map[watchlist.Key]decimal.Decimal{}}
	own := ownEntry("ABC123")
	comp := competitorEntry("ABC123", "TiendaX")
	book.set(own.Key(), "100")
	book.set(comp.Key(), "85")

	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, book, notifier, own, comp)

	if _, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeBoth}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeBoth})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.Opened != 0 {
		t.Fatalf("a persisting breach must not open again, got %d", report.Opened)
	}
	if report.Refreshed != 1 {
		t.Fatalf("expected the open alert refreshed, got %d", report.Refreshed)
	}
	if got := len(notifier.byEvent(alerting.EventOpened)); got != 1 {
		t.Fatalf("expected exactly one opened notification across runs, got %d", got)
	}
	if got := len(notifier.byEvent(alerting.EventRefresh)); got != 0 {
		t.Fatalf("renotify_open defaults off, got %d refresh notifications", got)
	}
}

func TestRunOnceResolvesWhenPriceRecovers(t *testing.T) {
	book := &priceBook{prices: map[watchlist.Key]decimal.Decimal{}}
	own := ownEntry("ABC123")
	comp := competitorEntry("ABC123", "TiendaX")
	book.set(own.Key(), "100")
	book.set(comp.Key(), "85")

	notifier := &recordingNotifier{}
	svc, history := newTestService(t, book, notifier, own, comp)

	if _, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeBoth}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	book.set(comp.Key(), "98")
	report, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeBoth})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.Resolved != 1 {
		t.Fatalf("expected 1 resolved alert, got %d", report.Resolved)
	}
	if got := len(notifier.byEvent(alerting.EventResolved)); got != 1 {
		t.Fatalf("emit_resolved defaults on, got %d resolved notifications", got)
	}
	open, _ := history.OpenAlerts(context.Background())
	if len(open) != 0 {
		t.Fatalf("resolved alert should leave the open set, got %+v", open)
	}
}

func TestRunOncePartialFailureIsNormalCompletion(t *testing.T) {
	book := &priceBook{prices: map[watchlist.Key]decimal.Decimal{}}
	own := ownEntry("ABC123")
	comp := competitorEntry("ABC123", "TiendaX")
	missing := competitorEntry("ABC123", "TiendaY")
	book.set(own.Key(), "100")
	book.set(comp.Key(), "85")
	// TiendaY has no price; its fetch fails.

	svc, _ := newTestService(t, book, &recordingNotifier{}, own, comp, missing)

	report, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeBoth})
	if err != nil {
		t.Fatalf("partial failure must not fail the run: %v", err)
	}
	tally := report.ByChannel["falabella"]
	if tally.OK != 2 || tally.FetchErrors != 1 {
		t.Fatalf("unexpected tally: %+v", tally)
	}
	if report.Verdicts != 1 {
		t.Fatalf("the healthy pairing still gets its verdict, got %d", report.Verdicts)
	}
}

func TestRunOnceModeFiltersRoles(t *testing.T) {
	book := &priceBook{prices: map[watchlist.Key]decimal.Decimal{}}
	own := ownEntry("ABC123")
	comp := competitorEntry("ABC123", "TiendaX")
	book.set(own.Key(), "100")
	book.set(comp.Key(), "85")

	svc, _ := newTestService(t, book, &recordingNotifier{}, own, comp)

	report, err := svc.RunOnce(context.Background(), RunOptions{Mode: watchlist.ModeOwn})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Entries != 1 {
		t.Fatalf("mode=own fetches only own rows, got %d entries", report.Entries)
	}
	if report.Verdicts != 0 {
		t.Fatalf("no competitor observations means no verdicts, got %d", report.Verdicts)
	}
}
