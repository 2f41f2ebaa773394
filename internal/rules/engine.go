package rules

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// State of an alert key. Keys with no alert have no row at all.
type State string

const (
	StateOpen     State = "open"
	StateResolved State = "resolved"
)

// Key identifies the alert an exceeding verdict maps onto.
type Key struct {
	SKU            string
	Channel        string
	CompetitorName string
}

// Alert is a persisted threshold breach for one competitor pairing.
type Alert struct {
	ID              int64
	SKU             string
	Channel         string
	CompetitorName  string
	OwnPrice        decimal.Decimal
	CompetitorPrice decimal.Decimal
	GapRatio        decimal.Decimal
	Threshold       decimal.Decimal
	Severity        string
	State           State
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	ResolvedAt      *time.Time
	RunID           string
	OwnURL          string
	CompetitorURL   string
}

// Key returns the dedup identity of the alert.
func (a Alert) Key() Key {
	return Key{SKU: a.SKU, Channel: a.Channel, CompetitorName: a.CompetitorName}
}

// SeverityTier labels breaches at or above a multiple of the threshold.
type SeverityTier struct {
	Multiplier decimal.Decimal
	Label      string
}

// Directions selects which gap signs may open an alert.
const (
	DirectionsUndercut = "undercut"
	DirectionsBoth     = "both"
)

// EngineOptions configure alert policy.
type EngineOptions struct {
	// Directions: "undercut" escalates only competitors priced below
	// our listing, "both" escalates either sign.
	Directions string
	// Tiers in any order; the highest multiplier at or below the
	// breach wins. An exceeding verdict always breaches at least 1x.
	Tiers []SeverityTier
}

// Outcome is what one evaluation changed. Unchanged open alerts appear
// nowhere; they are not re-emitted while the condition persists.
type Outcome struct {
	Opened    []Alert
	Refreshed []Alert
	Resolved  []Alert
}

// Empty reports whether the evaluation changed nothing.
func (o Outcome) Empty() bool {
	return len(o.Opened) == 0 && len(o.Refreshed) == 0 && len(o.Resolved) == 0
}

// Engine decides which verdicts become alerts. It runs single-threaded
// after the collection barrier, so alert state needs no locking.
type Engine struct {
	directions string
	tiers      []SeverityTier
	logger     zerolog.Logger
}

// NewEngine constructs the alert decision engine.
func NewEngine(opts EngineOptions, logger zerolog.Logger) *Engine {
	directions := opts.Directions
	if directions == "" {
		directions = DirectionsUndercut
	}
	tiers := make([]SeverityTier, 0, len(opts.Tiers))
	for _, tier := range opts.Tiers {
		if tier.Multiplier.IsPositive() && tier.Label != "" {
			tiers = append(tiers, tier)
		}
	}
	if len(tiers) == 0 {
		tiers = []SeverityTier{
			{Multiplier: decimal.NewFromInt(1), Label: "warning"},
			{Multiplier: decimal.NewFromInt(2), Label: "major"},
			{Multiplier: decimal.NewFromInt(3), Label: "critical"},
		}
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].Multiplier.LessThan(tiers[j].Multiplier)
	})
	return &Engine{
		directions: directions,
		tiers:      tiers,
		logger:     logger.With().Str("component", "alert_engine").Logger(),
	}
}

// Evaluate runs the state machine over this run's verdicts.
//
// exceeding + no open alert  -> open
// exceeding + open alert     -> refresh (fields updated, FirstSeenAt kept)
// not exceeding + open alert -> resolve
// open alert, no verdict     -> left open; no evidence either way this run
//
// A verdict the policy does not escalate (wrong direction) counts as
// not exceeding for state purposes: it can resolve an open alert.
func (e *Engine) Evaluate(prior []Alert, verdicts []Verdict, now time.Time, runID string) Outcome {
	open := make(map[Key]Alert, len(prior))
	for _, alert := range prior {
		if alert.State != StateOpen {
			continue
		}
		if _, dup := open[alert.Key()]; dup {
			e.logger.Warn().
				Str("sku", alert.SKU).Str("channel", alert.Channel).Str("competitor", alert.CompetitorName).
				Msg("duplicate open alert in history, keeping first")
			continue
		}
		open[alert.Key()] = alert
	}

	var out Outcome
	for _, v := range verdicts {
		if !v.Threshold.IsPositive() {
			e.logger.Warn().
				Str("sku", v.SKU).Str("channel", v.Channel).Str("competitor", v.CompetitorName).
				Str("threshold", v.Threshold.String()).
				Msg("skipping verdict with non-positive threshold")
			continue
		}

		key := Key{SKU: v.SKU, Channel: v.Channel, CompetitorName: v.CompetitorName}
		existing, isOpen := open[key]

		if v.Exceeds && e.escalatable(v) {
			if isOpen {
				refreshed := existing
				refreshed.OwnPrice = v.OwnPrice
				refreshed.CompetitorPrice = v.CompetitorPrice
				refreshed.GapRatio = v.GapRatio
				refreshed.Threshold = v.Threshold
				refreshed.Severity = e.severity(v)
				refreshed.LastSeenAt = now
				refreshed.RunID = runID
				refreshed.OwnURL = v.OwnURL
				refreshed.CompetitorURL = v.CompetitorURL
				open[key] = refreshed
				out.Refreshed = append(out.Refreshed, refreshed)
				continue
			}
			opened := Alert{
				SKU:             v.SKU,
				Channel:         v.Channel,
				CompetitorName:  v.CompetitorName,
				OwnPrice:        v.OwnPrice,
				CompetitorPrice: v.CompetitorPrice,
				GapRatio:        v.GapRatio,
				Threshold:       v.Threshold,
				Severity:        e.severity(v),
				State:           StateOpen,
				FirstSeenAt:     now,
				LastSeenAt:      now,
				RunID:           runID,
				OwnURL:          v.OwnURL,
				CompetitorURL:   v.CompetitorURL,
			}
			open[key] = opened
			out.Opened = append(out.Opened, opened)
			continue
		}

		if isOpen {
			resolved := existing
			resolved.OwnPrice = v.OwnPrice
			resolved.CompetitorPrice = v.CompetitorPrice
			resolved.GapRatio = v.GapRatio
			resolved.State = StateResolved
			resolved.LastSeenAt = now
			resolvedAt := now
			resolved.ResolvedAt = &resolvedAt
			resolved.RunID = runID
			delete(open, key)
			out.Resolved = append(out.Resolved, resolved)
		}
	}
	return out
}

func (e *Engine) escalatable(v Verdict) bool {
	if e.directions == DirectionsBoth {
		return true
	}
	return v.Undercut()
}

// severity picks the highest tier the breach magnitude reaches.
func (e *Engine) severity(v Verdict) string {
	breach := v.GapRatio.Abs().Div(v.Threshold)
	label := e.tiers[0].Label
	for _, tier := range e.tiers {
		if breach.GreaterThanOrEqual(tier.Multiplier) {
			label = tier.Label
		}
	}
	return label
}
