package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/revenue-ledger/internal/budget"
	"github.com/sells-group/revenue-ledger/internal/config"
	"github.com/sells-group/revenue-ledger/internal/cost"
	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/dlq"
	"github.com/sells-group/revenue-ledger/internal/ingest"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/provider"
	"github.com/sells-group/revenue-ledger/internal/reconcile"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/revcache"
	"github.com/sells-group/revenue-ledger/internal/store"
	"github.com/sells-group/revenue-ledger/internal/tenant"
)

// ledgerEnv holds the components a command needs. Close releases every
// connection it opened.
type ledgerEnv struct {
	Store     *store.PostgresStore
	DLQ       *dlq.Handler
	Ingester  *ingest.Ingester
	Receiver  *ingest.Receiver
	Cache     *revcache.Cache
	Reconcile *reconcile.Engine
	Policy    *budget.Policy
	AuditDB   *store.SQLiteAuditStore

	closers []func() error
}

func (e *ledgerEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context) (*store.PostgresStore, error) {
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initLedger connects to Postgres and builds the DLQ, ingestion, cache and
// reconciliation components.
func initLedger(ctx context.Context) (*ledgerEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &ledgerEnv{Store: st, closers: []func() error{st.Close}}
	pool := st.Pool()

	env.Ingester = ingest.New()
	env.DLQ = dlq.NewHandler(pool, env.Ingester, dlqConfig(cfg.DLQ))
	resolver := tenant.NewResolver(
		tenant.StaticLookup(cfg.Tenant.Keys),
		cfg.Tenant.CacheSize,
		time.Duration(cfg.Tenant.CacheTTLSecs)*time.Second,
	)
	env.Receiver = ingest.NewReceiver(pool, env.Ingester, env.DLQ, resolver)
	env.Cache = revcache.New(revcache.NewPostgresStore(pool), cacheConfig(cfg.Cache))
	env.Reconcile = reconcile.NewEngine(pool)
	return env, nil
}

// initPolicy builds the budget policy and its audit sinks. pool may be nil
// when no postgres sink is configured.
func initPolicy(ctx context.Context, env *ledgerEnv, pool db.Pool) error {
	prices := cost.DefaultPriceTable()
	if cfg.Pricing.File != "" {
		var err error
		if prices, err = cost.LoadPriceTable(cfg.Pricing.File); err != nil {
			return err
		}
	}

	sink, err := buildAuditSink(ctx, env, pool)
	if err != nil {
		return err
	}
	env.Policy, err = budget.NewPolicy(prices, budgetConfig(cfg.Budget), sink)
	return err
}

func buildAuditSink(ctx context.Context, env *ledgerEnv, pool db.Pool) (budget.AuditSink, error) {
	retry := resilience.DefaultRetryConfig()
	if cfg.Audit.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Audit.RetryAttempts
	}
	retry.OnRetry = resilience.RetryLogger("budget", "audit_append")

	var sinks budget.MultiSink
	for _, name := range cfg.Audit.Sinks {
		switch name {
		case "postgres":
			if pool == nil {
				return nil, eris.New("budget: postgres audit sink needs store.database_url")
			}
			sinks = append(sinks, budget.WithRetry(budget.NewPostgresSink(pool), retry))
		case "sqlite":
			audit, err := store.NewSQLiteAudit(cfg.Audit.SQLitePath)
			if err != nil {
				return nil, err
			}
			env.closers = append(env.closers, audit.Close)
			if err := audit.Migrate(ctx); err != nil {
				return nil, err
			}
			env.AuditDB = audit
			sinks = append(sinks, audit)
		case "redis":
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			env.closers = append(env.closers, client.Close)
			sinks = append(sinks, budget.WithRetry(
				budget.NewRedisStreamSink(client, cfg.Audit.Stream, cfg.Audit.StreamMaxLen), retry))
		default:
			return nil, eris.Errorf("budget: unknown audit sink %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// snapshotFetcher returns the upstream fetcher cache leaders call and the
// cache key it is stored under.
func snapshotFetcher(pool db.Pool) (revcache.Fetcher, string, error) {
	up := cfg.Upstream
	if up.Mode == "http" {
		f, err := provider.NewHTTPFetcher(provider.HTTPOptions{
			BaseURL:   up.BaseURL,
			Interval:  "24h",
			Timeout:   time.Duration(up.TimeoutSecs) * time.Second,
			RateLimit: rate.Limit(up.RateLimit),
			Breaker: resilience.BreakerConfig{
				FailureThreshold: up.BreakerFailures,
				OpenFor:          time.Duration(up.BreakerOpenSecs) * time.Second,
			},
		})
		if err != nil {
			return nil, "", err
		}
		return f.Fetch, "realtime:24h", nil
	}
	window := time.Duration(up.LedgerWindowHours) * time.Hour
	f := provider.NewLedgerFetcher(pool, window, up.DefaultCurrency)
	return f.Fetch, fmt.Sprintf("realtime:ledger:%dh", up.LedgerWindowHours), nil
}

func cacheConfig(c config.CacheConfig) revcache.Config {
	return revcache.Config{
		TTL:           time.Duration(c.TTLSecs) * time.Second,
		ErrorCooldown: time.Duration(c.ErrorCooldownSecs) * time.Second,
		FollowerWait:  time.Duration(c.FollowerWaitSecs) * time.Second,
		PollInterval:  time.Duration(c.FollowerPollMs) * time.Millisecond,
		FetchTimeout:  time.Duration(c.FetchTimeoutSecs) * time.Second,
	}
}

func dlqConfig(c config.DLQConfig) dlq.Config {
	return dlq.Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: time.Duration(c.InitialBackoffSecs) * time.Second,
		Multiplier:     c.BackoffMultiplier,
	}
}

func budgetConfig(c config.BudgetConfig) budget.Config {
	return budget.Config{
		CapCents:      c.CapCents,
		Premium:       c.Premium,
		FallbackModel: c.FallbackModel,
		OverCapAction: model.BudgetAction(strings.ToUpper(c.Action)),
		AuditTimeout:  time.Duration(c.AuditTimeoutMs) * time.Millisecond,
	}
}

// tenantIDs lists the distinct tenants named in the webhook key map.
func tenantIDs(keys map[string]string) []string {
	seen := make(map[string]struct{}, len(keys))
	var out []string
	for _, id := range keys {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
