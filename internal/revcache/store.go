package revcache

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// LeadFunc runs while the refresh lock is held. current is the row as seen
// under the lock (nil if absent). A non-nil returned entry is saved before
// the lock is released.
type LeadFunc func(ctx context.Context, current *model.CacheEntry) (*model.CacheEntry, error)

// Store is the shared storage behind the cache. Lead must be safe to call
// from many processes at once: at most one caller per key runs fn, the rest
// get acquired=false without blocking.
type Store interface {
	Load(ctx context.Context, tenantID, cacheKey string) (*model.CacheEntry, error)
	Lead(ctx context.Context, tenantID, cacheKey string, fn LeadFunc) (acquired bool, err error)
	RecordFailure(ctx context.Context, tenantID, cacheKey string, at, cooldownUntil time.Time, message string) error
}

// PostgresStore keeps entries in realtime_revenue_cache and elects leaders
// with a transaction-scoped advisory try-lock.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore over pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Load(ctx context.Context, tenantID, cacheKey string) (*model.CacheEntry, error) {
	var entry *model.CacheEntry
	err := db.InTenantTx(ctx, s.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		entry, err = store.GetCacheEntry(ctx, tx, tenantID, cacheKey)
		return err
	})
	return entry, eris.Wrap(err, "revcache: load")
}

// Lead takes pg_try_advisory_xact_lock on a key derived from (tenantID,
// cacheKey). The lock, and so leadership, ends with the transaction.
func (s *PostgresStore) Lead(ctx context.Context, tenantID, cacheKey string, fn LeadFunc) (bool, error) {
	var acquired bool
	err := db.InTenantTx(ctx, s.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := db.TryXactLock(ctx, tx, db.LockKey(tenantID, cacheKey))
		if err != nil || !ok {
			return err
		}
		acquired = true

		current, err := store.GetCacheEntry(ctx, tx, tenantID, cacheKey)
		if err != nil {
			return err
		}
		next, err := fn(ctx, current)
		if err != nil || next == nil {
			return err
		}
		return store.SaveCacheSuccess(ctx, tx, next)
	})
	return acquired, err
}

func (s *PostgresStore) RecordFailure(ctx context.Context, tenantID, cacheKey string, at, cooldownUntil time.Time, message string) error {
	err := db.InTenantTx(ctx, s.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return store.SaveCacheFailure(ctx, tx, tenantID, cacheKey, at, cooldownUntil,
			model.Truncate(message, model.MaxErrorMessageLen))
	})
	return eris.Wrap(err, "revcache: record failure")
}
