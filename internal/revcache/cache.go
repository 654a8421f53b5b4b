// Package revcache serves realtime revenue snapshots from a shared,
// Postgres-backed cache. At most one process refreshes a given key at a
// time; everyone else waits for that refresh or is told when to retry.
package revcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/currency"

	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/monitoring"
	"github.com/sells-group/revenue-ledger/internal/resilience"
)

// Fetcher loads a fresh snapshot for a tenant from upstream. Any failure
// should be returned as a *FetchError; other errors are wrapped as one.
type Fetcher func(ctx context.Context, tenantID string) (*model.Snapshot, error)

// Config controls cache timing.
type Config struct {
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	ErrorCooldown time.Duration `yaml:"error_cooldown" mapstructure:"error_cooldown"`
	FollowerWait  time.Duration `yaml:"follower_wait" mapstructure:"follower_wait"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// FetchTimeout bounds a single upstream fetch. The refresh runs detached
	// from the caller that started it, so this is its only deadline.
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		ErrorCooldown: 10 * time.Second,
		FollowerWait:  5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		FetchTimeout:  4 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = def.ErrorCooldown
	}
	if c.FollowerWait <= 0 {
		c.FollowerWait = def.FollowerWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	return c
}

// Result is a served snapshot.
type Result struct {
	Snapshot *model.Snapshot
	ETag     string
	Cached   bool
	DataAsOf time.Time
}

// FreshnessSeconds is the age of the data at now, never negative.
func (r *Result) FreshnessSeconds(now time.Time) float64 {
	age := now.Sub(r.DataAsOf).Seconds()
	if age < 0 {
		return 0
	}
	return age
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for freshness and cooldown decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is the realtime revenue cache.
type Cache struct {
	store Store
	cfg   Config
	now   func() time.Time
	group singleflight.Group
	log   *zap.Logger
}

// New creates a Cache over store.
func New(store Store, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "revcache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the snapshot for (tenantID, cacheKey), refreshing it through
// fetch when it is stale. When the snapshot cannot be served the error is an
// *UnavailableError.
func (c *Cache) Get(ctx context.Context, tenantID, cacheKey string, fetch Fetcher) (*Result, error) {
	if tenantID == "" {
		return nil, &resilience.ValidationError{Field: "tenant_id", Err: errors.New("required")}
	}
	if cacheKey == "" {
		return nil, &resilience.ValidationError{Field: "cache_key", Err: errors.New("required")}
	}

	entry, err := c.store.Load(ctx, tenantID, cacheKey)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if entry.CoolingDown(now) {
		monitoring.CacheRequestsTotal.WithLabelValues("cooldown").Inc()
		return nil, cooldownError(entry, now)
	}
	if entry.Fresh(now) {
		monitoring.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return resultFrom(entry, true)
	}

	// Callers in this process share one refresh per key; the advisory lock
	// below does the same across processes. The shared refresh outlives the
	// caller that started it, and each caller stops waiting on its own ctx.
	executed := false
	ch := c.group.DoChan(tenantID+"\x00"+cacheKey, func() (any, error) {
		executed = true
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout+c.cfg.FollowerWait)
		defer cancel()
		return c.refresh(rctx, tenantID, cacheKey, fetch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		if !executed {
			res.Cached = true
		}
		return &res, nil
	}
}

func (c *Cache) refresh(ctx context.Context, tenantID, cacheKey string, fetch Fetcher) (*Result, error) {
	var (
		result   *Result
		fetchErr *FetchError
	)
	acquired, err := c.store.Lead(ctx, tenantID, cacheKey, func(ctx context.Context, current *model.CacheEntry) (*model.CacheEntry, error) {
		now := c.now()
		if current.CoolingDown(now) {
			return nil, cooldownError(current, now)
		}
		if current.Fresh(now) {
			// Another leader finished between our read and the lock.
			var err error
			result, err = resultFrom(current, true)
			return nil, err
		}

		next, fe := c.fetch(ctx, tenantID, cacheKey, fetch)
		if fe != nil {
			fetchErr = fe
			return nil, fe
		}
		var err error
		if result, err = resultFrom(next, false); err != nil {
			return nil, err
		}
		return next, nil
	})

	switch {
	case fetchErr != nil && errors.Is(fetchErr, context.Canceled) && ctx.Err() != nil:
		// Cancelled before upstream answered; not an upstream failure.
		return nil, ctx.Err()
	case fetchErr != nil:
		return nil, c.recordFailure(ctx, tenantID, cacheKey, fetchErr)
	case err != nil:
		var ue *UnavailableError
		if errors.As(err, &ue) {
			monitoring.CacheRequestsTotal.WithLabelValues(string(ue.Reason)).Inc()
			return nil, err
		}
		return nil, eris.Wrap(err, "revcache: refresh")
	case !acquired:
		return c.follow(ctx, tenantID, cacheKey)
	}
	monitoring.CacheRequestsTotal.WithLabelValues("refreshed").Inc()
	return result, nil
}

// fetch calls upstream and builds the entry to store.
func (c *Cache) fetch(ctx context.Context, tenantID, cacheKey string, fetch Fetcher) (*model.CacheEntry, *FetchError) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	snap, err := fetch(ctx, tenantID)
	monitoring.CacheFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{Err: err}
	}
	if err := checkSnapshot(snap); err != nil {
		return nil, &FetchError{Err: err}
	}

	// Postgres keeps microseconds; truncate so leader and followers report
	// the same data_as_of.
	asOf := c.now().UTC().Truncate(time.Microsecond)
	out := *snap
	out.Verified = false
	out.Sources = append([]string(nil), snap.Sources...)
	sort.Strings(out.Sources)
	if out.AsOf.IsZero() {
		out.AsOf = asOf
	}

	etag, err := ETag(&out)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return &model.CacheEntry{
		TenantID:  tenantID,
		CacheKey:  cacheKey,
		Payload:   &out,
		DataAsOf:  &asOf,
		ExpiresAt: asOf.Add(c.cfg.TTL),
		ETag:      &etag,
	}, nil
}

// recordFailure starts the error cooldown in its own transaction so it
// survives the leader's rollback.
func (c *Cache) recordFailure(ctx context.Context, tenantID, cacheKey string, fe *FetchError) error {
	cooldown := max(c.cfg.ErrorCooldown, fe.RetryAfter)
	now := c.now()
	if err := c.store.RecordFailure(ctx, tenantID, cacheKey, now, now.Add(cooldown), fe.Error()); err != nil {
		c.log.Error("record fetch failure",
			zap.String("cache_key", cacheKey),
			zap.Error(err),
		)
	}
	c.log.Warn("snapshot refresh failed",
		zap.String("cache_key", cacheKey),
		zap.Duration("cooldown", cooldown),
		zap.Error(fe),
	)
	monitoring.CacheRequestsTotal.WithLabelValues(string(ReasonFetchFailed)).Inc()
	return &UnavailableError{
		Reason:            ReasonFetchFailed,
		RetryAfterSeconds: ceilSeconds(cooldown),
		Err:               fe,
	}
}

// follow polls the shared row until the leader publishes a fresh value,
// the key enters cooldown, or FollowerWait runs out.
func (c *Cache) follow(ctx context.Context, tenantID, cacheKey string) (*Result, error) {
	timeout := time.NewTimer(c.cfg.FollowerWait)
	defer timeout.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			monitoring.CacheRequestsTotal.WithLabelValues(string(ReasonTimeout)).Inc()
			return nil, &UnavailableError{
				Reason:            ReasonTimeout,
				RetryAfterSeconds: ceilSeconds(c.cfg.PollInterval),
			}
		case <-ticker.C:
			entry, err := c.store.Load(ctx, tenantID, cacheKey)
			if err != nil {
				return nil, err
			}
			now := c.now()
			if entry.CoolingDown(now) {
				monitoring.CacheRequestsTotal.WithLabelValues(string(ReasonCooldown)).Inc()
				return nil, cooldownError(entry, now)
			}
			if entry.Fresh(now) {
				monitoring.CacheRequestsTotal.WithLabelValues("follower").Inc()
				return resultFrom(entry, true)
			}
		}
	}
}

func cooldownError(e *model.CacheEntry, now time.Time) *UnavailableError {
	return &UnavailableError{
		Reason:            ReasonCooldown,
		RetryAfterSeconds: ceilSeconds(e.ErrorCooldownUntil.Sub(now)),
	}
}

func resultFrom(e *model.CacheEntry, cached bool) (*Result, error) {
	snap := *e.Payload
	snap.Verified = false
	res := &Result{Snapshot: &snap, Cached: cached, DataAsOf: *e.DataAsOf}
	if e.ETag != nil {
		res.ETag = *e.ETag
		return res, nil
	}
	etag, err := ETag(&snap)
	if err != nil {
		return nil, err
	}
	res.ETag = etag
	return res, nil
}

func checkSnapshot(s *model.Snapshot) error {
	if s == nil {
		return errors.New("empty snapshot")
	}
	if s.RevenueCents < 0 || s.EventCount < 0 {
		return errors.New("negative totals in snapshot")
	}
	if _, err := currency.ParseISO(s.Currency); err != nil {
		return eris.Wrapf(err, "snapshot currency %q", s.Currency)
	}
	return nil
}

// ETag is the hex SHA-256 of the snapshot's canonical (RFC 8785) JSON.
func ETag(s *model.Snapshot) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", eris.Wrap(err, "revcache: marshal snapshot")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "revcache: canonicalize snapshot")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
