// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Archive providers.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlerConfig governs the crawl loop.
type CrawlerConfig struct {
	Seed           string        `mapstructure:"seed"`
	Concurrency    int           `mapstructure:"concurrency"`
	MaxUnits       int           `mapstructure:"max_units"`
	ExtractTimeout time.Duration `mapstructure:"extract_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	ReferralParams []string      `mapstructure:"referral_params"`
}

// RetryConfig bounds retries of transient extraction failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ClassifierConfig holds the ordered URL classification rules.
type ClassifierConfig struct {
	Rules []crawler.ClassifierRule `mapstructure:"rules"`
}

// FetchConfig configures the plain HTTP probe.
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxPageBytes  int           `mapstructure:"max_page_bytes"`
	MaxCollection int           `mapstructure:"max_collection"`
	Parallelism   int           `mapstructure:"parallelism"`
	Delay         time.Duration `mapstructure:"delay"`
	RandomDelay   time.Duration `mapstructure:"random_delay"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	MaxExpandRounds    int           `mapstructure:"max_expand_rounds"`
	ExpandWait         time.Duration `mapstructure:"expand_wait"`
	ExecPath           string        `mapstructure:"exec_path"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	HostRPS            float64       `mapstructure:"host_rps"`
}

// StorageConfig selects and configures the crawl store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// ArchiveConfig controls raw page archiving.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// MetricsConfig controls the monitoring HTTP listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// bandcamp-crawler.{yaml,json,toml} in the working directory and then in
// $HOME/.bandcamp-crawler, falling back to defaults when neither exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BANDCAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("bandcamp-crawler")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.bandcamp-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Classifier.Rules) == 0 {
		cfg.Classifier.Rules = append([]crawler.ClassifierRule(nil), crawler.DefaultClassifierRules...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.seed", "")
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.max_units", 0)
	v.SetDefault("crawler.extract_timeout", 2*time.Minute)
	v.SetDefault("crawler.user_agent", "bandcamp-crawler/0.1")
	v.SetDefault("crawler.referral_params", crawler.DefaultReferralParams)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_page_bytes", 10<<20)
	v.SetDefault("fetch.max_collection", 5000)
	v.SetDefault("fetch.parallelism", 2)
	v.SetDefault("fetch.delay", 500*time.Millisecond)
	v.SetDefault("fetch.random_delay", 250*time.Millisecond)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.max_expand_rounds", 50)
	v.SetDefault("headless.expand_wait", 750*time.Millisecond)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.host_rps", 0.5)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "bandcamp.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxUnits < 0 {
		return fmt.Errorf("crawler.max_units must be >= 0")
	}
	if c.Crawler.ExtractTimeout <= 0 {
		return fmt.Errorf("crawler.extract_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay must not exceed retry.max_delay")
	}
	if _, err := crawler.NewClassifier(c.Classifier.Rules); err != nil {
		return fmt.Errorf("classifier.rules: %w", err)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxPageBytes < 0 || c.Fetch.MaxCollection < 0 {
		return fmt.Errorf("fetch limits must be >= 0")
	}
	if c.Headless.HostRPS < 0 {
		return fmt.Errorf("headless.host_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver)
	}
	switch c.Archive.Provider {
	case "", ArchiveNone:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local provider")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider must be none, local or gcs, got %q", c.Archive.Provider)
	}
	return nil
}
