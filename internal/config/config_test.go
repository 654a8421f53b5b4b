package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Cache.TTLSecs)
	assert.Equal(t, 10, cfg.Cache.ErrorCooldownSecs)
	assert.Equal(t, 5, cfg.Cache.FollowerWaitSecs)
	assert.Equal(t, 100, cfg.Cache.FollowerPollMs)
	assert.Equal(t, 3, cfg.DLQ.MaxRetries)
	assert.Equal(t, 60, cfg.DLQ.InitialBackoffSecs)
	assert.InDelta(t, 2.0, cfg.DLQ.BackoffMultiplier, 0.001)
	assert.True(t, cfg.DLQ.SweepInServe)
	assert.Equal(t, int64(30), cfg.Budget.CapCents)
	assert.Equal(t, "FALLBACK", cfg.Budget.Action)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Budget.FallbackModel)
	assert.Equal(t, []string{"claude-opus-4-6", "claude-sonnet-4-5-20250929"}, cfg.Budget.Premium)
	assert.Equal(t, []string{"postgres"}, cfg.Audit.Sinks)
	assert.Equal(t, "budget:audit", cfg.Audit.Stream)
	assert.Equal(t, 1024, cfg.Tenant.CacheSize)
	assert.Equal(t, "ledger", cfg.Upstream.Mode)
	assert.Equal(t, 5, cfg.Upstream.BreakerFailures)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 500, cfg.Monitoring.HighDiscrepancyBps)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
cache:
  ttl_secs: 60
budget:
  cap_cents: 50
  action: BLOCK
tenant:
  keys:
    acct_123: tenant-a
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 60, cfg.Cache.TTLSecs)
	assert.Equal(t, int64(50), cfg.Budget.CapCents)
	assert.Equal(t, "BLOCK", cfg.Budget.Action)
	assert.Equal(t, "tenant-a", cfg.Tenant.Keys["acct_123"])
	// Defaults still apply for unset values.
	assert.Equal(t, 10, cfg.Cache.ErrorCooldownSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
budget:
  action: BLOCK
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("REVENUE_LOG_LEVEL", "warn")
	t.Setenv("REVENUE_BUDGET_ACTION", "FALLBACK")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "FALLBACK", cfg.Budget.Action)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("REVENUE_CACHE_TTL_SECS", "45")
	t.Setenv("REVENUE_CACHE_FOLLOWER_POLL_MS", "250")
	t.Setenv("REVENUE_DLQ_MAX_RETRIES", "5")
	t.Setenv("REVENUE_DLQ_BACKOFF_MULTIPLIER", "3")
	t.Setenv("REVENUE_BUDGET_CAP_CENTS", "100")
	t.Setenv("REVENUE_BUDGET_FALLBACK_MODEL", "claude-sonnet-4-5-20250929")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Cache.TTLSecs)
	assert.Equal(t, 250, cfg.Cache.FollowerPollMs)
	assert.Equal(t, 5, cfg.DLQ.MaxRetries)
	assert.InDelta(t, 3.0, cfg.DLQ.BackoffMultiplier, 0.001)
	assert.Equal(t, int64(100), cfg.Budget.CapCents)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Budget.FallbackModel)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("cache: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/revenue"
	cfg.Server.Port = 8080
	cfg.Cache = CacheConfig{TTLSecs: 30, ErrorCooldownSecs: 10, FollowerWaitSecs: 5, FollowerPollMs: 100}
	cfg.DLQ = DLQConfig{MaxRetries: 3, InitialBackoffSecs: 60, BackoffMultiplier: 2}
	cfg.Budget = BudgetConfig{CapCents: 30, Action: "FALLBACK"}
	cfg.Audit = AuditConfig{Sinks: []string{"postgres"}}
	cfg.Upstream.Mode = "ledger"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	for _, mode := range []string{"serve", "migrate", "dlq", "reconcile", "budget"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidate_Tuning(t *testing.T) {
	cfg := validDefaults()
	cfg.Cache.TTLSecs = 0
	cfg.DLQ.BackoffMultiplier = 0.5
	cfg.Budget.Action = "DENY"
	cfg.Audit.Sinks = []string{"kafka"}

	err := cfg.Validate("dlq")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.ttl_secs must be positive")
	assert.Contains(t, err.Error(), "dlq.backoff_multiplier must be at least 1")
	assert.Contains(t, err.Error(), `budget.action "DENY"`)
	assert.Contains(t, err.Error(), `unknown sink "kafka"`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateServe_HTTPUpstreamNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Upstream.Mode = "http"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.base_url is required")

	cfg.Upstream.BaseURL = "https://revenue.internal/v1/realtime"
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_NoDatabase(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateBudget_SQLiteOnly(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Audit.Sinks = []string{"sqlite"}
	cfg.Audit.SQLitePath = "audit.db"

	assert.NoError(t, cfg.Validate("budget"))

	cfg.Audit.SQLitePath = ""
	assert.Error(t, cfg.Validate("budget"))
}
