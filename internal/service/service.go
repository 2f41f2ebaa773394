package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/rules"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/storage"
	"pricewatch/internal/watchlist"
)

// Deps are the collaborators a Service orchestrates. Observations,
// Verdicts, Notifier, Files, and Locker may be nil, which disables the
// respective step.
type Deps struct {
	Source       watchlist.Source
	Collector    *scheduler.Collector
	Engine       *rules.Engine
	History      rules.History
	Observations storage.ObservationStore
	Verdicts     storage.VerdictStore
	Notifier     alerting.Notifier
	Files        *alerting.FileSink
	Locker       storage.AdvisoryLocker
}

// Service ties one monitoring pass together: load the snapshot, collect
// observations through the per-channel pools, compare, decide alerts,
// and fan the outcome out to the sinks.
type Service struct {
	cfg        *config.Config
	deps       Deps
	thresholds rules.Thresholds
	logger     zerolog.Logger
}

// New constructs the monitoring service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	thresholds := rules.Thresholds{
		ByChannel: make(map[string]decimal.Decimal, len(cfg.Channels)),
		Fallback:  decimal.NewFromFloat(cfg.ChannelDefaults.DefaultGapThreshold),
	}
	for name := range cfg.Channels {
		thresholds.ByChannel[name] = decimal.NewFromFloat(cfg.ChannelFor(name).DefaultGapThreshold)
	}

	return &Service{
		cfg:        cfg,
		deps:       deps,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// RunOptions select which slice of the watchlist a run fetches.
type RunOptions struct {
	Channels []string
	Mode     watchlist.Mode
}

// ChannelReport tallies one channel's observations by outcome.
type ChannelReport struct {
	OK          int
	FetchErrors int
	ParseErrors int
	Timeouts    int
}

// Report summarises one monitoring run. Partial success is the normal
// case: failed entries appear in the tallies, not as an error.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    int
	ByChannel  map[string]ChannelReport
	Verdicts   int
	Exceeding  int
	Notices    []rules.Notice
	Opened     int
	Refreshed  int
	Resolved   int
}

// RunOnce executes a single monitoring pass over the watchlist.
// Entry-level failures never abort the run; an error return means the
// run itself could not proceed (watchlist unavailable, alert history
// unreachable).
func (s *Service) RunOnce(ctx context.Context, opts RunOptions) (*Report, error) {
	runID := uuid.New().String()
	logger := s.logger.With().Str("run_id", runID).Logger()
	report := &Report{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		ByChannel: make(map[string]ChannelReport),
	}

	entries, err := s.deps.Source.LoadWatchlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("load watchlist: %w", err)
	}
	entries = watchlist.Filter(entries, opts.Channels, opts.Mode)
	report.Entries = len(entries)
	if len(entries) == 0 {
		report.FinishedAt = time.Now().UTC()
		logger.Info().Msg("no due watchlist entries, nothing to do")
		return report, nil
	}

	logger.Info().
		Int("entries", len(entries)).
		Strs("channels", watchlist.Channels(entries)).
		Str("mode", string(opts.Mode)).
		Msg("starting monitoring run")

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Run.Deadline)
	observations := s.deps.Collector.Collect(runCtx, entries)
	cancel()

	for _, obs := range observations {
		tally := report.ByChannel[obs.Entry.Channel]
		switch obs.Status {
		case watchlist.StatusOK:
			tally.OK++
		case watchlist.StatusParseError:
			tally.ParseErrors++
		case watchlist.StatusTimeout:
			tally.Timeouts++
		default:
			tally.FetchErrors++
		}
		report.ByChannel[obs.Entry.Channel] = tally
	}

	if s.deps.Observations != nil {
		if err := s.deps.Observations.InsertObservations(ctx, runID, observations); err != nil {
			logger.Error().Err(err).Msg("failed to persist observations")
		}
	}

	verdicts, notices := rules.Compare(observations, s.thresholds)
	report.Verdicts = len(verdicts)
	report.Notices = notices
	for _, v := range verdicts {
		if v.Exceeds {
			report.Exceeding++
		}
	}
	for _, notice := range notices {
		logger.Warn().
			Str("sku", notice.SKU).
			Str("channel", notice.Channel).
			Str("kind", string(notice.Kind)).
			Str("detail", notice.Detail).
			Msg("data quality notice")
	}

	if s.deps.Verdicts != nil && len(verdicts) > 0 {
		if err := s.deps.Verdicts.InsertVerdicts(ctx, runID, verdicts); err != nil {
			logger.Error().Err(err).Msg("failed to persist verdicts")
		}
	}

	if !s.cfg.Alerting.Enabled {
		report.FinishedAt = time.Now().UTC()
		s.logSummary(logger, report)
		return report, nil
	}

	prior, err := s.deps.History.OpenAlerts(ctx)
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		return report, fmt.Errorf("load alert history: %w", err)
	}

	outcome := s.deps.Engine.Evaluate(prior, verdicts, time.Now().UTC(), runID)
	if err := s.deps.History.ApplyOutcome(ctx, outcome); err != nil {
		report.FinishedAt = time.Now().UTC()
		return report, fmt.Errorf("persist alert outcome: %w", err)
	}
	report.Opened = len(outcome.Opened)
	report.Refreshed = len(outcome.Refreshed)
	report.Resolved = len(outcome.Resolved)

	s.dispatch(ctx, logger, outcome)
	s.mirrorFiles(ctx, logger, outcome)

	report.FinishedAt = time.Now().UTC()
	s.logSummary(logger, report)
	return report, nil
}

// dispatch sends the transitions the policy wants announced. Delivery
// failures are logged, never fatal; the state change is already stored.
func (s *Service) dispatch(ctx context.Context, logger zerolog.Logger, outcome rules.Outcome) {
	if s.deps.Notifier == nil {
		return
	}

	notes := make([]alerting.Notification, 0, len(outcome.Opened)+len(outcome.Refreshed)+len(outcome.Resolved))
	for _, alert := range outcome.Opened {
		notes = append(notes, alerting.Notification{Event: alerting.EventOpened, Alert: alert})
	}
	if s.cfg.Alerting.RenotifyOpen {
		for _, alert := range outcome.Refreshed {
			notes = append(notes, alerting.Notification{Event: alerting.EventRefresh, Alert: alert})
		}
	}
	if s.cfg.Alerting.EmitResolved {
		for _, alert := range outcome.Resolved {
			notes = append(notes, alerting.Notification{Event: alerting.EventResolved, Alert: alert})
		}
	}

	for _, note := range notes {
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			logger.Error().Err(err).
				Str("event", string(note.Event)).
				Str("sku", note.Alert.SKU).
				Str("competitor", note.Alert.CompetitorName).
				Msg("failed to dispatch alert")
		}
	}
}

// mirrorFiles refreshes the sheet-shaped CSV tabs.
func (s *Service) mirrorFiles(ctx context.Context, logger zerolog.Logger, outcome rules.Outcome) {
	if s.deps.Files == nil {
		return
	}

	open, err := s.deps.History.OpenAlerts(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load open alerts for file mirror")
	} else if err := s.deps.Files.WriteOpen(open); err != nil {
		logger.Error().Err(err).Msg("failed to rewrite open alerts file")
	}

	history := make([]alerting.Notification, 0, len(outcome.Opened)+len(outcome.Resolved))
	for _, alert := range outcome.Opened {
		history = append(history, alerting.Notification{Event: alerting.EventOpened, Alert: alert})
	}
	for _, alert := range outcome.Resolved {
		history = append(history, alerting.Notification{Event: alerting.EventResolved, Alert: alert})
	}
	if err := s.deps.Files.AppendHistory(history); err != nil {
		logger.Error().Err(err).Msg("failed to append alert history file")
	}
}

func (s *Service) logSummary(logger zerolog.Logger, report *Report) {
	event := logger.Info().
		Int("entries", report.Entries).
		Int("verdicts", report.Verdicts).
		Int("exceeding", report.Exceeding).
		Int("notices", len(report.Notices)).
		Int("opened", report.Opened).
		Int("refreshed", report.Refreshed).
		Int("resolved", report.Resolved).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt))
	for channel, tally := range report.ByChannel {
		event = event.Str("channel_"+channel, fmt.Sprintf("ok=%d fetch_err=%d parse_err=%d timeout=%d",
			tally.OK, tally.FetchErrors, tally.ParseErrors, tally.Timeouts))
	}
	event.Msg("monitoring run complete")
}

// Watch drives repeated runs on the loop's cadence. When a database is
// configured, a postgres advisory lock keeps concurrent deployments
// from double-running a cycle.
func (s *Service) Watch(ctx context.Context, loop *scheduler.Loop, opts RunOptions) error {
	if loop == nil {
		return fmt.Errorf("loop not configured")
	}
	return loop.Run(ctx, func(ctx context.Context, started time.Time) error {
		unlock, proceed, err := s.acquireLock(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			s.logger.Debug().Time("cycle", started).Msg("skip cycle because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}

		_, err = s.RunOnce(ctx, opts)
		return err
	})
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	key := s.cfg.Scheduler.AdvisoryLockKey
	if key == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
