package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/watchlist"
)

// Verdict is one (own, competitor) price pairing for a sku on a channel.
type Verdict struct {
	SKU             string
	Channel         string
	CompetitorName  string
	OwnPrice        decimal.Decimal
	CompetitorPrice decimal.Decimal
	GapRatio        decimal.Decimal
	Threshold       decimal.Decimal
	Exceeds         bool
	OwnURL          string
	CompetitorURL   string
	ObservedAt      time.Time
}

// Undercut reports whether the competitor is priced below our listing.
func (v Verdict) Undercut() bool {
	return v.GapRatio.IsNegative()
}

// NoticeKind classifies why a sku/channel group could not be compared.
type NoticeKind string

const (
	NoticeMissingOwn     NoticeKind = "missing_own"
	NoticeOwnFetchFailed NoticeKind = "own_fetch_failed"
	NoticeDuplicateOwn   NoticeKind = "duplicate_own"
	NoticeBadOwnPrice    NoticeKind = "non_positive_own_price"
)

// Notice is a data-quality finding surfaced instead of a verdict.
type Notice struct {
	SKU     string
	Channel string
	Kind    NoticeKind
	Detail  string
}

// Thresholds resolves the gap threshold for a pairing: the competitor
// entry's own value wins, then the channel default, then the fallback.
type Thresholds struct {
	ByChannel map[string]decimal.Decimal
	Fallback  decimal.Decimal
}

// For returns the effective threshold for a competitor entry.
func (t Thresholds) For(entry watchlist.Entry) decimal.Decimal {
	if entry.GapThreshold.IsPositive() {
		return entry.GapThreshold
	}
	if d, ok := t.ByChannel[entry.Channel]; ok && d.IsPositive() {
		return d
	}
	return t.Fallback
}

type groupKey struct {
	sku     string
	channel string
}

type group struct {
	own         []watchlist.Observation
	competitors []watchlist.Observation
}

// Compare pairs the successful own observation of each (sku, channel)
// group against every successful competitor observation, computing
// gap_ratio = (competitor - own) / own. A group whose own price is
// missing, failed, duplicated, or non-positive yields a Notice instead;
// the gap is never computed against a price we cannot trust. Pure:
// the inputs are not mutated and the outputs are deterministic.
func Compare(observations []watchlist.Observation, thresholds Thresholds) ([]Verdict, []Notice) {
	groups := make(map[groupKey]*group)
	order := make([]groupKey, 0)
	for _, obs := range observations {
		key := groupKey{sku: obs.Entry.SKU, channel: obs.Entry.Channel}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		switch obs.Entry.Role {
		case watchlist.RoleOwn:
			g.own = append(g.own, obs)
		case watchlist.RoleCompetitor:
			g.competitors = append(g.competitors, obs)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].sku != order[j].sku {
			return order[i].sku < order[j].sku
		}
		return order[i].channel < order[j].channel
	})

	var (
		verdicts []Verdict
		notices  []Notice
	)
	for _, key := range order {
		g := groups[key]
		own, notice := pickOwn(key, g)
		if notice != nil {
			notices = append(notices, *notice)
			continue
		}

		comps := usableCompetitors(g)
		for _, comp := range comps {
			threshold := thresholds.For(comp.Entry)
			gap := comp.Price.Sub(own.Price).Div(own.Price)
			verdicts = append(verdicts, Verdict{
				SKU:             key.sku,
				Channel:         key.channel,
				CompetitorName:  comp.Entry.CompetitorName,
				OwnPrice:        own.Price,
				CompetitorPrice: comp.Price,
				GapRatio:        gap,
				Threshold:       threshold,
				Exceeds:         gap.Abs().GreaterThanOrEqual(threshold),
				OwnURL:          own.Entry.URL,
				CompetitorURL:   comp.Entry.URL,
				ObservedAt:      comp.ObservedAt,
			})
		}
	}
	return verdicts, notices
}

// pickOwn selects the single trustworthy own observation of a group,
// or explains why there is none.
func pickOwn(key groupKey, g *group) (watchlist.Observation, *Notice) {
	if len(g.own) == 0 {
		return watchlist.Observation{}, &Notice{
			SKU: key.sku, Channel: key.channel, Kind: NoticeMissingOwn,
			Detail: "no own observation in this run",
		}
	}

	var ok []watchlist.Observation
	for _, obs := range g.own {
		if obs.OK() {
			ok = append(ok, obs)
		}
	}
	if len(ok) > 1 {
		return watchlist.Observation{}, &Notice{
			SKU: key.sku, Channel: key.channel, Kind: NoticeDuplicateOwn,
			Detail: fmt.Sprintf("%d own observations for one sku/channel", len(ok)),
		}
	}
	if len(ok) == 0 {
		return watchlist.Observation{}, &Notice{
			SKU: key.sku, Channel: key.channel, Kind: NoticeOwnFetchFailed,
			Detail: fmt.Sprintf("own fetch ended with %s: %s", g.own[0].Status, g.own[0].Error),
		}
	}
	if !ok[0].Price.IsPositive() {
		return watchlist.Observation{}, &Notice{
			SKU: key.sku, Channel: key.channel, Kind: NoticeBadOwnPrice,
			Detail: fmt.Sprintf("own price %s cannot anchor a gap", ok[0].Price),
		}
	}
	return ok[0], nil
}

func usableCompetitors(g *group) []watchlist.Observation {
	out := make([]watchlist.Observation, 0, len(g.competitors))
	for _, obs := range g.competitors {
		if obs.OK() && obs.Price.IsPositive() {
			out = append(out, obs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry.CompetitorName < out[j].Entry.CompetitorName
	})
	return out
}

