package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	DLQ        DLQConfig        `yaml:"dlq" mapstructure:"dlq"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Tenant     TenantConfig     `yaml:"tenant" mapstructure:"tenant"`
	Upstream   UpstreamConfig   `yaml:"upstream" mapstructure:"upstream"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the Postgres connection pool.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// CacheConfig configures the realtime revenue cache.
type CacheConfig struct {
	TTLSecs           int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	ErrorCooldownSecs int `yaml:"error_cooldown_secs" mapstructure:"error_cooldown_secs"`
	FollowerWaitSecs  int `yaml:"follower_wait_secs" mapstructure:"follower_wait_secs"`
	FollowerPollMs    int `yaml:"follower_poll_ms" mapstructure:"follower_poll_ms"`
	FetchTimeoutSecs  int `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// DLQConfig configures dead letter retries and the background sweeper.
type DLQConfig struct {
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffSecs int     `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	SweepRatePerSec    float64 `yaml:"sweep_rate_per_sec" mapstructure:"sweep_rate_per_sec"`
	SweepBatch         int     `yaml:"sweep_batch" mapstructure:"sweep_batch"`
	SweepConcurrency   int     `yaml:"sweep_concurrency" mapstructure:"sweep_concurrency"`
	// SweepInServe runs the sweep on the monitoring checker's tick.
	SweepInServe bool `yaml:"sweep_in_serve" mapstructure:"sweep_in_serve"`
}

// BudgetConfig configures the per-call cost policy.
type BudgetConfig struct {
	CapCents       int64    `yaml:"cap_cents" mapstructure:"cap_cents"`
	Premium        []string `yaml:"premium" mapstructure:"premium"`
	FallbackModel  string   `yaml:"fallback_model" mapstructure:"fallback_model"`
	Action         string   `yaml:"action" mapstructure:"action"`
	AuditTimeoutMs int      `yaml:"audit_timeout_ms" mapstructure:"audit_timeout_ms"`
}

// PricingConfig points at an optional YAML price table. Empty means the
// built-in table.
type PricingConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// AuditConfig selects budget audit sinks.
type AuditConfig struct {
	// Sinks lists any of "postgres", "sqlite", "redis".
	Sinks         []string `yaml:"sinks" mapstructure:"sinks"`
	SQLitePath    string   `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Stream        string   `yaml:"stream" mapstructure:"stream"`
	StreamMaxLen  int64    `yaml:"stream_max_len" mapstructure:"stream_max_len"`
	RetryAttempts int      `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// RedisConfig holds the Redis connection used by the stream audit sink.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// TenantConfig configures tenant key resolution for inbound webhooks.
type TenantConfig struct {
	CacheSize    int               `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTLSecs int               `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	Keys         map[string]string `yaml:"keys" mapstructure:"keys"`
}

// UpstreamConfig selects where cache leaders load snapshots from.
type UpstreamConfig struct {
	// Mode is "ledger" (sum ingested events) or "http".
	Mode              string  `yaml:"mode" mapstructure:"mode"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit         float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	BreakerFailures   int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerOpenSecs   int     `yaml:"breaker_open_secs" mapstructure:"breaker_open_secs"`
	LedgerWindowHours int     `yaml:"ledger_window_hours" mapstructure:"ledger_window_hours"`
	DefaultCurrency   string  `yaml:"default_currency" mapstructure:"default_currency"`
}

// MonitoringConfig configures health collection and alert thresholds. A zero
// threshold disables its alert.
type MonitoringConfig struct {
	WebhookURL               string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	DLQPendingThreshold      int    `yaml:"dlq_pending_threshold" mapstructure:"dlq_pending_threshold"`
	DLQAbandonedThreshold    int    `yaml:"dlq_abandoned_threshold" mapstructure:"dlq_abandoned_threshold"`
	CacheCooldownThreshold   int    `yaml:"cache_cooldown_threshold" mapstructure:"cache_cooldown_threshold"`
	HighDiscrepancyBps       int    `yaml:"high_discrepancy_bps" mapstructure:"high_discrepancy_bps"`
	HighDiscrepancyThreshold int    `yaml:"high_discrepancy_threshold" mapstructure:"high_discrepancy_threshold"`
	BudgetBlockThreshold     int    `yaml:"budget_block_threshold" mapstructure:"budget_block_threshold"`
}

// Load reads configuration from config.yaml (optional) and REVENUE_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REVENUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("cache.ttl_secs", 30)
	v.SetDefault("cache.error_cooldown_secs", 10)
	v.SetDefault("cache.follower_wait_secs", 5)
	v.SetDefault("cache.follower_poll_ms", 100)
	v.SetDefault("cache.fetch_timeout_secs", 4)

	v.SetDefault("dlq.max_retries", 3)
	v.SetDefault("dlq.initial_backoff_secs", 60)
	v.SetDefault("dlq.backoff_multiplier", 2.0)
	v.SetDefault("dlq.sweep_rate_per_sec", 5.0)
	v.SetDefault("dlq.sweep_batch", 100)
	v.SetDefault("dlq.sweep_concurrency", 4)
	v.SetDefault("dlq.sweep_in_serve", true)

	v.SetDefault("budget.cap_cents", 30)
	v.SetDefault("budget.premium", []string{"claude-opus-4-6", "claude-sonnet-4-5-20250929"})
	v.SetDefault("budget.fallback_model", "claude-haiku-4-5-20251001")
	v.SetDefault("budget.action", "FALLBACK")
	v.SetDefault("budget.audit_timeout_ms", 2000)

	v.SetDefault("pricing.file", "")

	v.SetDefault("audit.sinks", []string{"postgres"})
	v.SetDefault("audit.sqlite_path", "budget_audit.db")
	v.SetDefault("audit.stream", "budget:audit")
	v.SetDefault("audit.stream_max_len", 100000)
	v.SetDefault("audit.retry_attempts", 3)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("tenant.cache_size", 1024)
	v.SetDefault("tenant.cache_ttl_secs", 300)

	v.SetDefault("upstream.mode", "ledger")
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout_secs", 5)
	v.SetDefault("upstream.rate_limit", 10.0)
	v.SetDefault("upstream.breaker_failures", 5)
	v.SetDefault("upstream.breaker_open_secs", 30)
	v.SetDefault("upstream.ledger_window_hours", 24)
	v.SetDefault("upstream.default_currency", "USD")

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.dlq_pending_threshold", 100)
	v.SetDefault("monitoring.dlq_abandoned_threshold", 1)
	v.SetDefault("monitoring.cache_cooldown_threshold", 10)
	v.SetDefault("monitoring.high_discrepancy_bps", 500)
	v.SetDefault("monitoring.high_discrepancy_threshold", 1)
	v.SetDefault("monitoring.budget_block_threshold", 0)
}

// Validate checks the options a command mode depends on. Mode is one of
// "serve", "migrate", "dlq", "reconcile" or "budget"; every mode checks the
// shared tuning values.
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	need(c.Cache.TTLSecs > 0, "cache.ttl_secs must be positive")
	need(c.Cache.ErrorCooldownSecs > 0, "cache.error_cooldown_secs must be positive")
	need(c.Cache.FollowerWaitSecs > 0, "cache.follower_wait_secs must be positive")
	need(c.Cache.FollowerPollMs > 0, "cache.follower_poll_ms must be positive")
	need(c.DLQ.MaxRetries >= 0, "dlq.max_retries must not be negative")
	need(c.DLQ.InitialBackoffSecs > 0, "dlq.initial_backoff_secs must be positive")
	need(c.DLQ.BackoffMultiplier >= 1, "dlq.backoff_multiplier must be at least 1")
	need(c.Budget.CapCents >= 0, "budget.cap_cents must not be negative")
	switch strings.ToUpper(c.Budget.Action) {
	case "BLOCK", "FALLBACK":
	default:
		errs = append(errs, fmt.Sprintf("budget.action %q must be BLOCK or FALLBACK", c.Budget.Action))
	}
	for _, s := range c.Audit.Sinks {
		switch s {
		case "postgres", "sqlite", "redis":
		default:
			errs = append(errs, fmt.Sprintf("audit.sinks: unknown sink %q", s))
		}
	}

	switch mode {
	case "serve":
		need(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d is out of range", c.Server.Port)
		need(c.Store.DatabaseURL != "", "store.database_url is required")
		switch c.Upstream.Mode {
		case "ledger":
		case "http":
			need(c.Upstream.BaseURL != "", "upstream.base_url is required when upstream.mode is http")
		default:
			errs = append(errs, fmt.Sprintf("upstream.mode %q must be ledger or http", c.Upstream.Mode))
		}
	case "migrate", "dlq", "reconcile":
		need(c.Store.DatabaseURL != "", "store.database_url is required")
	case "budget":
		if c.usesSink("postgres") {
			need(c.Store.DatabaseURL != "", "store.database_url is required for the postgres audit sink")
		}
	}
	if c.usesSink("redis") {
		need(c.Redis.Addr != "", "redis.addr is required for the redis audit sink")
	}
	if c.usesSink("sqlite") {
		need(c.Audit.SQLitePath != "", "audit.sqlite_path is required for the sqlite audit sink")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) usesSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// InitLogger configures the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
