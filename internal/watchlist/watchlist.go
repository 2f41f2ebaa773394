package watchlist

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role says whether an entry tracks our own listing or a competitor's.
type Role string

const (
	RoleOwn        Role = "own"
	RoleCompetitor Role = "competitor"
)

// ParseRole normalizes a raw role cell. Empty is not a valid role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleOwn:
		return RoleOwn, nil
	case RoleCompetitor:
		return RoleCompetitor, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Mode selects which roles a run fetches.
type Mode string

const (
	ModeOwn        Mode = "own"
	ModeCompetitor Mode = "competitor"
	ModeBoth       Mode = "both"
)

// ParseMode normalizes a --mode flag or config value.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOwn:
		return ModeOwn, nil
	case ModeCompetitor:
		return ModeCompetitor, nil
	case ModeBoth, "":
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Includes reports whether entries with the given role participate in this mode.
func (m Mode) Includes(r Role) bool {
	switch m {
	case ModeOwn:
		return r == RoleOwn
	case ModeCompetitor:
		return r == RoleCompetitor
	default:
		return true
	}
}

// Entry is one row of the watchlist: a product listing on one retail
// channel, fetched either as our own price or as a named competitor's.
type Entry struct {
	SKU              string
	Channel          string
	Role             Role
	URL              string
	CompetitorName   string
	FrequencyMinutes int
	GapThreshold     decimal.Decimal
	Active           bool
}

// Key identifies an entry uniquely within a watchlist.
type Key struct {
	SKU            string
	Channel        string
	Role           Role
	CompetitorName string
}

// Key returns the identity of the entry. CompetitorName is empty for own rows.
func (e Entry) Key() Key {
	return Key{SKU: e.SKU, Channel: e.Channel, Role: e.Role, CompetitorName: e.CompetitorName}
}

func (e Entry) String() string {
	if e.Role == RoleCompetitor {
		return fmt.Sprintf("%s/%s/%s:%s", e.SKU, e.Channel, e.Role, e.CompetitorName)
	}
	return fmt.Sprintf("%s/%s/%s", e.SKU, e.Channel, e.Role)
}

// Validate rejects rows that cannot be scheduled.
func (e Entry) Validate() error {
	if e.SKU == "" {
		return fmt.Errorf("empty sku")
	}
	if e.Channel == "" {
		return fmt.Errorf("empty channel")
	}
	if e.Role != RoleOwn && e.Role != RoleCompetitor {
		return fmt.Errorf("unknown role %q", e.Role)
	}
	if e.Role == RoleCompetitor && e.CompetitorName == "" {
		return fmt.Errorf("competitor row without competitor_name")
	}
	if e.URL == "" {
		return fmt.Errorf("empty url")
	}
	return nil
}

// Status classifies the terminal outcome of fetching one entry.
type Status string

const (
	StatusOK         Status = "ok"
	StatusFetchError Status = "fetch_error"
	StatusParseError Status = "parse_error"
	StatusTimeout    Status = "timeout"
)

// Retryable reports whether a failed attempt with this status may be retried.
// Parse errors are final: the document arrived, it just did not contain a price.
func (s Status) Retryable() bool {
	return s == StatusFetchError || s == StatusTimeout
}

// Observation is the terminal result of fetching one entry in one run.
// Price is meaningful only when Status is StatusOK.
type Observation struct {
	Entry      Entry
	Price      decimal.Decimal
	ObservedAt time.Time
	Status     Status
	Attempts   int
	Error      string
}

// OK reports whether the observation carries a usable price.
func (o Observation) OK() bool {
	return o.Status == StatusOK
}

// Filter returns the active entries matching the channel set and mode.
// An empty channel set matches every channel. Order is preserved.
func Filter(entries []Entry, channels []string, mode Mode) []Entry {
	var allow map[string]struct{}
	if len(channels) > 0 {
		allow = make(map[string]struct{}, len(channels))
		for _, ch := range channels {
			allow[strings.ToLower(strings.TrimSpace(ch))] = struct{}{}
		}
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Active {
			continue
		}
		if !mode.Includes(e.Role) {
			continue
		}
		if allow != nil {
			if _, ok := allow[e.Channel]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// Channels returns the distinct channels present in the entries, sorted.
func Channels(entries []Entry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.Channel] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
