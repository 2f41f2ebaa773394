package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked for every watch-mode cycle.
type TickFunc func(ctx context.Context, started time.Time) error

// LoopOptions tune the watch-mode cadence.
type LoopOptions struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Loop drives repeated monitoring runs at a fixed interval. With
// AlignToStart the cycles land on wall-clock multiples of the interval,
// which keeps observation timestamps comparable across restarts.
type Loop struct {
	opts   LoopOptions
	logger zerolog.Logger
}

// NewLoop constructs a Loop instance.
func NewLoop(opts LoopOptions, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("loop interval must be positive")
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "loop").Logger()}
}

// Run blocks, invoking tick once per interval until ctx is cancelled.
// A failed cycle is logged and the loop keeps going; transient trouble
// should not take the monitor down.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		timer := time.NewTimer(l.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := l.nextCycle(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = l.nextCycle(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		l.logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		started := l.cycleStart(next)
		l.logger.Info().Time("cycle", started).Msg("starting monitoring cycle")

		if err := tick(ctx, started); err != nil {
			l.logger.Error().Err(err).Time("cycle", started).Msg("monitoring cycle failed")
		}

		next = next.Add(l.opts.Interval)
	}
}

func (l *Loop) nextCycle(now time.Time) time.Time {
	if !l.opts.AlignToStart {
		return now.Add(l.opts.Interval)
	}
	cycle := now.Truncate(l.opts.Interval)
	if !cycle.After(now) {
		cycle = cycle.Add(l.opts.Interval)
	}
	return cycle
}

func (l *Loop) cycleStart(t time.Time) time.Time {
	if !l.opts.AlignToStart {
		return t
	}
	return t.Truncate(l.opts.Interval)
}
