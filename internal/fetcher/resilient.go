package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pricewatch/internal/watchlist"
)

// Policy carries one channel's per-attempt timeout, retry budget, and
// request rate.
type Policy struct {
	Timeout           time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (p Policy) normalized() Policy {
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = 30 * time.Second
	}
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = 2
	}
	if p.Burst < 1 {
		p.Burst = 1
	}
	return p
}

// Resilient wraps a channel adapter with the channel's policy: a shared
// rate limiter in front of every attempt, a timeout per attempt, and
// retries with jittered exponential backoff. Only fetch errors and
// timeouts are retried; parse errors are terminal because the document
// arrived and retrying cannot change its contents.
type Resilient struct {
	channel string
	inner   Fetcher
	policy  Policy
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ Fetcher = (*Resilient)(nil)

// NewResilient wraps inner with policy. The limiter is shared by all
// workers of the channel, so the configured rate bounds the whole pool.
func NewResilient(channel string, inner Fetcher, policy Policy, logger zerolog.Logger) *Resilient {
	p := policy.normalized()
	return &Resilient{
		channel: channel,
		inner:   inner,
		policy:  p,
		limiter: rate.NewLimiter(rate.Limit(p.RequestsPerSecond), p.Burst),
		logger:  logger.With().Str("component", "resilient").Str("channel", channel).Logger(),
	}
}

// ResetRun forwards run-scoped cache invalidation to the wrapped adapter.
func (r *Resilient) ResetRun() {
	resetRun(r.inner)
}

// Fetch runs attempts until one is terminal or the budget is spent.
// The returned observation always has Attempts set. Fatal adapter
// errors pass through untouched.
func (r *Resilient) Fetch(ctx context.Context, entry watchlist.Entry) (watchlist.Observation, error) {
	var obs watchlist.Observation
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			obs = failed(entry, watchlist.StatusTimeout, fmt.Errorf("rate limit wait: %w", err))
			obs.Attempts = attempt
			return obs, nil
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		result, err := r.inner.Fetch(attemptCtx, entry)
		cancel()
		if err != nil {
			return watchlist.Observation{}, err
		}

		obs = result
		obs.Attempts = attempt

		if !obs.Status.Retryable() {
			return obs, nil
		}
		if attempt == r.policy.MaxAttempts || ctx.Err() != nil {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Debug().
			Str("entry", entry.String()).
			Int("attempt", attempt).
			Str("status", string(obs.Status)).
			Dur("delay", delay).
			Msg("retrying fetch")
		if !sleepCtx(ctx, delay) {
			break
		}
	}
	return obs, nil
}

// backoff returns base*2^(attempt-1) capped at the policy maximum, plus
// up to 50% jitter so pooled workers do not retry in lockstep.
func (r *Resilient) backoff(attempt int) time.Duration {
	d := r.policy.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.policy.BackoffMax {
			d = r.policy.BackoffMax
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
