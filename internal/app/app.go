package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/rules"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/service"
	"pricewatch/internal/storage"
	"pricewatch/internal/watchlist"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// resolveChannels picks the channel set a run engages: the CLI flag
// wins, then run.channels from config, then every built-in adapter.
func (a *App) resolveChannels(requested []string) []string {
	if len(requested) == 0 {
		requested = a.Config.Run.Channels
	}
	if len(requested) == 0 {
		return []string{
			fetcher.ChannelProchef,
			fetcher.ChannelFalabella,
			fetcher.ChannelRipley,
			fetcher.ChannelParis,
			fetcher.ChannelWalmart,
		}
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		out = append(out, strings.ToLower(strings.TrimSpace(name)))
	}
	return out
}

// buildCollector validates the engaged channels and wires one
// resilience-wrapped adapter pool per channel. Unknown channels and
// missing credentials are fatal here, before anything is fetched.
func (a *App) buildCollector(channels []string) (*scheduler.Collector, error) {
	pools := make(map[string]scheduler.ChannelPool, len(channels))
	for _, name := range channels {
		if !fetcher.Known(name) {
			return nil, fmt.Errorf("%w: %s", fetcher.ErrUnknownChannel, name)
		}
		cc := a.Config.ChannelFor(name)
		if err := cc.CheckCredentials(name); err != nil {
			return nil, err
		}

		adapter, err := fetcher.New(fetcher.Options{
			Channel:         name,
			APIUserAgent:    cc.API.UserAgent,
			APIToken:        os.Getenv(cc.API.TokenEnv),
			FeedURL:         cc.Feed.URL,
			ScrapeUserAgent: cc.Scrape.UserAgent,
			PricePattern:    cc.Scrape.PricePattern,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}

		wrapped := fetcher.NewResilient(name, adapter, fetcher.Policy{
			Timeout:           cc.Timeout,
			MaxAttempts:       cc.MaxAttempts,
			BackoffBase:       cc.BackoffBase,
			BackoffMax:        cc.BackoffMax,
			RequestsPerSecond: cc.RequestsPerSecond,
			Burst:             cc.Burst,
		}, a.Logger)

		pools[name] = scheduler.ChannelPool{Fetcher: wrapped, Concurrency: cc.Concurrency}
	}
	return scheduler.NewCollector(pools, a.Logger), nil
}

func (a *App) newEngine() *rules.Engine {
	tiers := make([]rules.SeverityTier, 0, len(a.Config.Alerting.SeverityTiers))
	for _, tier := range a.Config.Alerting.SeverityTiers {
		tiers = append(tiers, rules.SeverityTier{
			Multiplier: decimal.NewFromFloat(tier.Multiplier),
			Label:      tier.Label,
		})
	}
	return rules.NewEngine(rules.EngineOptions{
		Directions: a.Config.Alerting.Directions,
		Tiers:      tiers,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newFileSink() *alerting.FileSink {
	files := a.Config.Alerting.Files
	if files.OpenPath == "" && files.HistoryPath == "" {
		return nil
	}
	return alerting.NewFileSink(files.OpenPath, files.HistoryPath, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore is openStore for commands that cannot work without one.
func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured")
	}
	return store, closeStore, nil
}

// RunOptions configure a monitoring run or the watch loop.
type RunOptions struct {
	Channels      []string
	Mode          string
	Source        string
	WatchlistPath string
	Force         bool
	Watch         bool
}

// Run executes one monitoring pass, or the recurring loop with --watch.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	modeStr := opts.Mode
	if modeStr == "" {
		modeStr = a.Config.Run.Mode
	}
	mode, err := watchlist.ParseMode(modeStr)
	if err != nil {
		return err
	}

	sourceKind := opts.Source
	if sourceKind == "" {
		sourceKind = a.Config.Watchlist.Source
	}
	csvPath := opts.WatchlistPath
	if csvPath == "" {
		csvPath = a.Config.Watchlist.CSVPath
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	var source watchlist.Source
	switch sourceKind {
	case "csv":
		source = watchlist.NewCSVSource(csvPath, a.Logger)
	case "db":
		if store == nil {
			return errors.New("database.dsn not configured; cannot use db watchlist source")
		}
		source = storage.NewDBSource(store, opts.Force, a.Logger)
	default:
		return fmt.Errorf("watchlist source must be csv or db, got %q", sourceKind)
	}

	channels := a.resolveChannels(opts.Channels)
	collector, err := a.buildCollector(channels)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Source:    source,
		Collector: collector,
		Engine:    a.newEngine(),
		Notifier:  a.newNotifier(),
		Files:     a.newFileSink(),
	}
	if store != nil {
		deps.History = store
		deps.Observations = store
		deps.Verdicts = store
		deps.Locker = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; alert state will not survive restarts")
		deps.History = rules.NewMemoryHistory()
	}

	svc := service.New(a.Config, deps, a.Logger)
	runOpts := service.RunOptions{Channels: channels, Mode: mode}

	if opts.Watch {
		loop := scheduler.NewLoop(scheduler.LoopOptions{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)

		a.Logger.Info().Strs("channels", channels).Str("mode", string(mode)).Msg("starting monitoring service")
		err = svc.Watch(ctx, loop, runOpts)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("service terminated with error")
			return err
		}
		a.Logger.Info().Msg("monitoring service stopped")
		return nil
	}

	report, err := svc.RunOnce(ctx, runOpts)
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)
	return nil
}

func printReport(w io.Writer, report *service.Report) {
	fmt.Fprintf(w, "run %s: %d entries in %s\n",
		report.RunID, report.Entries, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	channels := make([]string, 0, len(report.ByChannel))
	for name := range report.ByChannel {
		channels = append(channels, name)
	}
	sort.Strings(channels)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tOK\tFETCH_ERR\tPARSE_ERR\tTIMEOUT")
	for _, name := range channels {
		cr := report.ByChannel[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", name, cr.OK, cr.FetchErrors, cr.ParseErrors, cr.Timeouts)
	}
	tw.Flush()

	fmt.Fprintf(w, "verdicts: %d (%d exceeding), notices: %d\n",
		report.Verdicts, report.Exceeding, len(report.Notices))
	fmt.Fprintf(w, "alerts: %d opened, %d refreshed, %d resolved\n",
		report.Opened, report.Refreshed, report.Resolved)
}

// SyncOptions configure the CSV-to-database watchlist sync.
type SyncOptions struct {
	WatchlistPath string
	DryRun        bool
}

// AlertsOptions configure the alerts listing.
type AlertsOptions struct {
	Limit    int
	OpenOnly bool
}

// ExportOptions hold parameters for exporting gap history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	SKU       string
	Channel   string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SimulateOptions describe a synthetic pairing pushed through the
// comparator, the alert engine, and the configured notifier.
type SimulateOptions struct {
	SKU             string
	Channel         string
	Competitor      string
	OwnPrice        decimal.Decimal
	CompetitorPrice decimal.Decimal
	Threshold       float64
}
