package rules

import (
	"context"
	"sync"
)

// History is the alert state the engine reads before a run and writes
// after it. The database store implements it; MemoryHistory covers runs
// without persistence.
type History interface {
	OpenAlerts(ctx context.Context) ([]Alert, error)
	ApplyOutcome(ctx context.Context, outcome Outcome) error
}

// MemoryHistory keeps alert state in-process. Deduplication only holds
// for the lifetime of the process, which is enough for watch mode
// without a database and for tests.
type MemoryHistory struct {
	mu   sync.Mutex
	open map[Key]Alert
	next int64
}

var _ History = (*MemoryHistory)(nil)

// NewMemoryHistory constructs an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{open: make(map[Key]Alert)}
}

// OpenAlerts returns the currently open alerts.
func (h *MemoryHistory) OpenAlerts(ctx context.Context) ([]Alert, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, 0, len(h.open))
	for _, alert := range h.open {
		out = append(out, alert)
	}
	return out, nil
}

// ApplyOutcome records the transitions of one evaluation.
func (h *MemoryHistory) ApplyOutcome(ctx context.Context, outcome Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, alert := range outcome.Opened {
		h.next++
		alert.ID = h.next
		h.open[alert.Key()] = alert
	}
	for _, alert := range outcome.Refreshed {
		if existing, ok := h.open[alert.Key()]; ok {
			alert.ID = existing.ID
		}
		h.open[alert.Key()] = alert
	}
	for _, alert := range outcome.Resolved {
		delete(h.open, alert.Key())
	}
	return nil
}
