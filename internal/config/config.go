// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SITECLONER_SERVER_PORT.
const EnvPrefix = "SITECLONER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// UsageKey authenticates proxy agents reporting usage. Empty falls back
	// to APIKey when auth is enabled.
	UsageKey string `mapstructure:"usage_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to Postgres. An empty DSN keeps all state in
// memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects where cloned output is written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds Pub/Sub topics for event fan-out. An empty project keeps
// events in process.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	EventTopic    string `mapstructure:"event_topic"`
	RecoveryTopic string `mapstructure:"recovery_topic"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count         int           `mapstructure:"count"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	HungAfter     time.Duration `mapstructure:"hung_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	VerifyWait    time.Duration `mapstructure:"verify_wait"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// CrawlerConfig governs the reference crawler.
type CrawlerConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Delay            time.Duration `mapstructure:"delay"`
	MaxAssetsPerPage int           `mapstructure:"max_assets_per_page"`
	BlockedDomains   []string      `mapstructure:"blocked_domains"`
}

// JobsConfig holds submission defaults and limits.
type JobsConfig struct {
	DefaultMaxPages     int      `mapstructure:"default_max_pages"`
	DefaultMaxDepth     int      `mapstructure:"default_max_depth"`
	DefaultExportFormat string   `mapstructure:"default_export_format"`
	MaxPagesLimit       int      `mapstructure:"max_pages_limit"`
	MaxDepthLimit       int      `mapstructure:"max_depth_limit"`
	ExportFormats       []string `mapstructure:"export_formats"`
	AllowPrivateTargets bool     `mapstructure:"allow_private_targets"`
	DeniedHosts         []string `mapstructure:"denied_hosts"`
}

// LedgerConfig sets plan allotments and pricing. Amounts are whole or
// fractional credits.
type LedgerConfig struct {
	Plans                  map[string]float64 `mapstructure:"plans"`
	PerPage                float64            `mapstructure:"per_page"`
	StartFee               float64            `mapstructure:"start_fee"`
	ChargePartialOnFailure bool               `mapstructure:"charge_partial_on_failure"`
}

// ProxyConfig sets proxy accrual rates and the settlement cadence.
type ProxyConfig struct {
	PerRequest        float64       `mapstructure:"per_request"`
	PerMB             float64       `mapstructure:"per_mb"`
	SuccessThreshold  float64       `mapstructure:"success_threshold"`
	SuccessBonus      float64       `mapstructure:"success_bonus"`
	RegistrationBonus float64       `mapstructure:"registration_bonus"`
	SettleInterval    time.Duration `mapstructure:"settle_interval"`
	SettleConcurrency int           `mapstructure:"settle_concurrency"`
}

// RecoveryConfig controls the disaster recovery scheduler.
type RecoveryConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	EvaluateSpec       string        `mapstructure:"evaluate_spec"`
	MinIntervalMinutes int           `mapstructure:"min_interval_minutes"`
	BackupMaxPages     int           `mapstructure:"backup_max_pages"`
	BackupMaxDepth     int           `mapstructure:"backup_max_depth"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
	Prometheus     bool          `mapstructure:"prometheus"`
}

// RateLimitConfig bounds submissions per owner and fetches per host.
type RateLimitConfig struct {
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
	FetchRPS    float64 `mapstructure:"fetch_rps"`
	FetchBurst  int     `mapstructure:"fetch_burst"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.usage_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("storage.prefix", "clones")
	v.SetDefault("pubsub.event_topic", "clone-events")
	v.SetDefault("pubsub.recovery_topic", "recovery-events")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_depth", 256)
	v.SetDefault("workers.max_attempts", 2)
	v.SetDefault("workers.retry_backoff", 2*time.Second)
	v.SetDefault("workers.hung_after", 15*time.Minute)
	v.SetDefault("workers.sweep_interval", time.Minute)
	v.SetDefault("workers.verify_wait", 0)
	v.SetDefault("workers.poll_interval", time.Second)
	v.SetDefault("crawler.user_agent", "sitecloner/1.0 (+https://github.com/JakeFAU/sitecloner)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.timeout", 20*time.Second)
	v.SetDefault("crawler.delay", 250*time.Millisecond)
	v.SetDefault("crawler.max_assets_per_page", 50)
	v.SetDefault("jobs.default_max_pages", 50)
	v.SetDefault("jobs.default_max_depth", 3)
	v.SetDefault("jobs.default_export_format", "zip")
	v.SetDefault("jobs.max_pages_limit", 5000)
	v.SetDefault("jobs.max_depth_limit", 10)
	v.SetDefault("jobs.export_formats", []string{"zip", "html"})
	v.SetDefault("jobs.allow_private_targets", false)
	v.SetDefault("ledger.plans", map[string]float64{"free": 100, "pro": 1000, "enterprise": 10000})
	v.SetDefault("ledger.per_page", 1)
	v.SetDefault("ledger.start_fee", 0)
	v.SetDefault("ledger.charge_partial_on_failure", false)
	v.SetDefault("proxy.per_request", 0.001)
	v.SetDefault("proxy.per_mb", 0.1)
	v.SetDefault("proxy.success_threshold", 0.95)
	v.SetDefault("proxy.success_bonus", 1.5)
	v.SetDefault("proxy.registration_bonus", 50)
	v.SetDefault("proxy.settle_interval", time.Hour)
	v.SetDefault("proxy.settle_concurrency", 4)
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.grace_period", 5*time.Minute)
	v.SetDefault("recovery.evaluate_spec", "@every 1m")
	v.SetDefault("recovery.min_interval_minutes", 5)
	v.SetDefault("recovery.backup_max_pages", 500)
	v.SetDefault("recovery.backup_max_depth", 5)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("rate_limit.submit_rps", 1)
	v.SetDefault("rate_limit.submit_burst", 10)
	v.SetDefault("rate_limit.fetch_rps", 2)
	v.SetDefault("rate_limit.fetch_burst", 4)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "sitecloner")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		check(c.Storage.LocalDir != "", "storage.local_dir is required for the local backend")
	case StorageGCS:
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket is required for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	check(c.Workers.Count > 0, "workers.count must be > 0")
	check(c.Workers.QueueDepth > 0, "workers.queue_depth must be > 0")
	check(c.Jobs.DefaultMaxPages > 0, "jobs.default_max_pages must be > 0")
	check(c.Jobs.MaxPagesLimit <= 0 || c.Jobs.DefaultMaxPages <= c.Jobs.MaxPagesLimit,
		"jobs.default_max_pages must not exceed jobs.max_pages_limit")
	check(len(c.Jobs.ExportFormats) == 0 || slices.Contains(c.Jobs.ExportFormats, c.Jobs.DefaultExportFormat),
		"jobs.default_export_format %q must be listed in jobs.export_formats", c.Jobs.DefaultExportFormat)
	check(len(c.Ledger.Plans) > 0, "ledger.plans must define at least one plan")
	for tier, credits := range c.Ledger.Plans {
		check(credits >= 0, "ledger.plans.%s must not be negative", tier)
	}
	check(c.Ledger.PerPage >= 0 && c.Ledger.StartFee >= 0, "ledger pricing must not be negative")
	check(c.Proxy.PerRequest >= 0 && c.Proxy.PerMB >= 0 && c.Proxy.RegistrationBonus >= 0,
		"proxy rates must not be negative")
	check(c.Proxy.SuccessThreshold >= 0 && c.Proxy.SuccessThreshold <= 1, "proxy.success_threshold must be in [0, 1]")
	check(c.Proxy.SuccessBonus >= 0, "proxy.success_bonus must not be negative")
	check(c.Recovery.MinIntervalMinutes > 0, "recovery.min_interval_minutes must be > 0")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be in [0, 1]")
	return errors.Join(errs...)
}

// PlanTiers lists the configured plan tiers in sorted order.
func (c LedgerConfig) PlanTiers() []string {
	tiers := make([]string, 0, len(c.Plans))
	for tier := range c.Plans {
		tiers = append(tiers, tier)
	}
	slices.Sort(tiers)
	return tiers
}
