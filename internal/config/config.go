package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricewatch/internal/logging"
)

// ErrMissingCredential marks a channel whose required environment
// variables are not set. Runs abort on it before any fetch is scheduled.
var ErrMissingCredential = errors.New("missing credential")

// Config materialises application configuration.
type Config struct {
	App             AppConfig                `mapstructure:"app"`
	Logging         logging.Config           `mapstructure:"logging"`
	Database        DatabaseConfig           `mapstructure:"database"`
	Run             RunConfig                `mapstructure:"run"`
	Watchlist       WatchlistConfig          `mapstructure:"watchlist"`
	Scheduler       SchedulerConfig          `mapstructure:"scheduler"`
	ChannelDefaults ChannelConfig            `mapstructure:"channel_defaults"`
	Channels        map[string]ChannelConfig `mapstructure:"channels"`
	Alerting        AlertingConfig           `mapstructure:"alerting"`
	Export          ExportConfig             `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RunConfig bounds a single monitoring run.
type RunConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
	Mode     string        `mapstructure:"mode"`
	Channels []string      `mapstructure:"channels"`
}

// WatchlistConfig selects where the watchlist snapshot comes from.
type WatchlistConfig struct {
	Source  string `mapstructure:"source"`
	CSVPath string `mapstructure:"csv_path"`
}

// SchedulerConfig governs the watch-mode cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ChannelConfig carries the per-channel resilience policy plus the
// adapter wiring. Values left zero inherit from channel_defaults.
type ChannelConfig struct {
	Timeout             time.Duration       `mapstructure:"timeout"`
	MaxAttempts         int                 `mapstructure:"max_attempts"`
	BackoffBase         time.Duration       `mapstructure:"backoff_base"`
	BackoffMax          time.Duration       `mapstructure:"backoff_max"`
	Concurrency         int                 `mapstructure:"concurrency"`
	RequestsPerSecond   float64             `mapstructure:"requests_per_second"`
	Burst               int                 `mapstructure:"burst"`
	DefaultGapThreshold float64             `mapstructure:"default_gap_threshold"`
	Credentials         []string            `mapstructure:"credentials"`
	API                 ChannelAPIConfig    `mapstructure:"api"`
	Feed                ChannelFeedConfig   `mapstructure:"feed"`
	Scrape              ChannelScrapeConfig `mapstructure:"scrape"`
}

// ChannelAPIConfig configures the authenticated price API of a channel.
type ChannelAPIConfig struct {
	UserAgent string `mapstructure:"user_agent"`
	TokenEnv  string `mapstructure:"token_env"`
}

// ChannelFeedConfig configures a bulk price feed download.
type ChannelFeedConfig struct {
	URL string `mapstructure:"url"`
}

// ChannelScrapeConfig configures competitor page scraping.
type ChannelScrapeConfig struct {
	UserAgent    string `mapstructure:"user_agent"`
	PricePattern string `mapstructure:"price_pattern"`
}

// AlertingConfig defines alert evaluation and routing.
type AlertingConfig struct {
	Enabled       bool                 `mapstructure:"enabled"`
	Directions    string               `mapstructure:"directions"`
	RenotifyOpen  bool                 `mapstructure:"renotify_open"`
	EmitResolved  bool                 `mapstructure:"emit_resolved"`
	SeverityTiers []SeverityTierConfig `mapstructure:"severity_tiers"`
	Channels      []string             `mapstructure:"channels"`
	Telegram      TelegramConfig       `mapstructure:"telegram"`
	Files         AlertFilesConfig     `mapstructure:"files"`
}

// SeverityTierConfig maps a gap/threshold multiple to a severity label.
type SeverityTierConfig struct {
	Multiplier float64 `mapstructure:"multiplier"`
	Label      string  `mapstructure:"label"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// AlertFilesConfig mirrors the open-alerts and history tabs the
// merchandising team reads. Empty paths disable the sink.
type AlertFilesConfig struct {
	OpenPath    string `mapstructure:"open_path"`
	HistoryPath string `mapstructure:"history_path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("run.deadline", "10m")
	v.SetDefault("run.mode", "both")

	v.SetDefault("watchlist.source", "csv")
	v.SetDefault("watchlist.csv_path", "watchlist.csv")

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726377))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("channel_defaults.timeout", "10s")
	v.SetDefault("channel_defaults.max_attempts", 3)
	v.SetDefault("channel_defaults.backoff_base", "500ms")
	v.SetDefault("channel_defaults.backoff_max", "30s")
	v.SetDefault("channel_defaults.concurrency", 4)
	v.SetDefault("channel_defaults.requests_per_second", 2.0)
	v.SetDefault("channel_defaults.burst", 1)
	v.SetDefault("channel_defaults.default_gap_threshold", 0.10)
	v.SetDefault("channel_defaults.api.user_agent", "pricewatch/1.0")
	v.SetDefault("channel_defaults.scrape.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("channel_defaults.scrape.price_pattern", `"price"\s*:\s*"?([0-9]+(?:[.,][0-9]+)?)"?`)

	v.SetDefault("channels.prochef.api.token_env", "PROCHEF_API_TOKEN")
	v.SetDefault("channels.prochef.credentials", []string{"PROCHEF_API_TOKEN"})
	v.SetDefault("channels.falabella.api.token_env", "FALABELLA_API_TOKEN")
	v.SetDefault("channels.falabella.credentials", []string{"FALABELLA_API_TOKEN"})
	v.SetDefault("channels.ripley.api.token_env", "RIPLEY_API_TOKEN")
	v.SetDefault("channels.ripley.credentials", []string{"RIPLEY_API_TOKEN"})
	v.SetDefault("channels.walmart.api.token_env", "WALMART_API_TOKEN")
	v.SetDefault("channels.walmart.credentials", []string{"WALMART_API_TOKEN"})
	v.SetDefault("channels.paris.concurrency", 2)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.directions", "undercut")
	v.SetDefault("alerting.renotify_open", false)
	v.SetDefault("alerting.emit_resolved", true)
	v.SetDefault("alerting.severity_tiers", []map[string]any{
		{"multiplier": 1.0, "label": "warning"},
		{"multiplier": 2.0, "label": "major"},
		{"multiplier": 3.0, "label": "critical"},
	})
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Run.Deadline <= 0 {
		return fmt.Errorf("run.deadline must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	switch c.Watchlist.Source {
	case "csv":
		if c.Watchlist.CSVPath == "" {
			return fmt.Errorf("watchlist.csv_path must be set when watchlist.source is csv")
		}
	case "db":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when watchlist.source is db")
		}
	default:
		return fmt.Errorf("watchlist.source must be csv or db, got %q", c.Watchlist.Source)
	}
	switch c.Alerting.Directions {
	case "undercut", "both":
	default:
		return fmt.Errorf("alerting.directions must be undercut or both, got %q", c.Alerting.Directions)
	}
	for _, tier := range c.Alerting.SeverityTiers {
		if tier.Multiplier <= 0 {
			return fmt.Errorf("alerting.severity_tiers multipliers must be greater than zero")
		}
		if tier.Label == "" {
			return fmt.Errorf("alerting.severity_tiers labels cannot be empty")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	for name, ch := range c.Channels {
		merged := mergeChannel(c.ChannelDefaults, ch)
		if err := merged.validate(); err != nil {
			return fmt.Errorf("channels.%s: %w", name, err)
		}
	}
	return c.ChannelDefaults.validate()
}

func (cc ChannelConfig) validate() error {
	if cc.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than zero")
	}
	if cc.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if cc.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if cc.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be greater than zero")
	}
	if cc.DefaultGapThreshold <= 0 {
		return fmt.Errorf("default_gap_threshold must be greater than zero")
	}
	return nil
}

// ChannelFor returns the effective configuration for a channel:
// channel_defaults overlaid with the named section, if any.
func (c *Config) ChannelFor(name string) ChannelConfig {
	override, ok := c.Channels[strings.ToLower(name)]
	if !ok {
		return c.ChannelDefaults
	}
	return mergeChannel(c.ChannelDefaults, override)
}

func mergeChannel(base, override ChannelConfig) ChannelConfig {
	out := base
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffBase > 0 {
		out.BackoffBase = override.BackoffBase
	}
	if override.BackoffMax > 0 {
		out.BackoffMax = override.BackoffMax
	}
	if override.Concurrency > 0 {
		out.Concurrency = override.Concurrency
	}
	if override.RequestsPerSecond > 0 {
		out.RequestsPerSecond = override.RequestsPerSecond
	}
	if override.Burst > 0 {
		out.Burst = override.Burst
	}
	if override.DefaultGapThreshold > 0 {
		out.DefaultGapThreshold = override.DefaultGapThreshold
	}
	if len(override.Credentials) > 0 {
		out.Credentials = override.Credentials
	}
	if override.API.UserAgent != "" {
		out.API.UserAgent = override.API.UserAgent
	}
	if override.API.TokenEnv != "" {
		out.API.TokenEnv = override.API.TokenEnv
	}
	if override.Feed.URL != "" {
		out.Feed.URL = override.Feed.URL
	}
	if override.Scrape.UserAgent != "" {
		out.Scrape.UserAgent = override.Scrape.UserAgent
	}
	if override.Scrape.PricePattern != "" {
		out.Scrape.PricePattern = override.Scrape.PricePattern
	}
	return out
}

// CheckCredentials verifies that every environment variable a channel
// declares is present and non-empty.
func (cc ChannelConfig) CheckCredentials(channel string) error {
	for _, name := range cc.Credentials {
		if os.Getenv(name) == "" {
			return fmt.Errorf("channel %s: %w: %s", channel, ErrMissingCredential, name)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
