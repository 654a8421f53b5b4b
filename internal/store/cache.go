package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
)

const cacheColumns = `tenant_id, cache_key, payload, data_as_of, expires_at,
	error_cooldown_until, last_error_at, last_error_message, etag`

// GetCacheEntry returns the cache row for (tenantID, key), or nil.
func GetCacheEntry(ctx context.Context, q db.Querier, tenantID, key string) (*model.CacheEntry, error) {
	var (
		e       model.CacheEntry
		payload []byte
	)
	err := q.QueryRow(ctx,
		`SELECT `+cacheColumns+` FROM realtime_revenue_cache WHERE tenant_id = $1 AND cache_key = $2`,
		tenantID, key,
	).Scan(&e.TenantID, &e.CacheKey, &payload, &e.DataAsOf, &e.ExpiresAt,
		&e.ErrorCooldownUntil, &e.LastErrorAt, &e.LastErrorMessage, &e.ETag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cache entry %s", key)
	}

	if len(payload) > 0 {
		e.Payload = &model.Snapshot{}
		if err := json.Unmarshal(payload, e.Payload); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal cache payload %s", key)
		}
	}
	return &e, nil
}

// SaveCacheSuccess stores a successful refresh and clears any cooldown.
func SaveCacheSuccess(ctx context.Context, q db.Querier, e *model.CacheEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cache payload")
	}

	_, err = q.Exec(ctx,
		`INSERT INTO realtime_revenue_cache (`+cacheColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULL, NULL, NULL, $6, now())
		 ON CONFLICT (tenant_id, cache_key) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   data_as_of = EXCLUDED.data_as_of,
		   expires_at = EXCLUDED.expires_at,
		   error_cooldown_until = NULL,
		   last_error_at = NULL,
		   last_error_message = NULL,
		   etag = EXCLUDED.etag,
		   updated_at = now()`,
		e.TenantID, e.CacheKey, payload, e.DataAsOf, e.ExpiresAt, e.ETag,
	)
	return eris.Wrapf(err, "postgres: save cache entry %s", e.CacheKey)
}

// SaveCacheFailure records a failed refresh. The last good payload and
// data_as_of are left as they were; only the error fields move and the etag
// is cleared.
func SaveCacheFailure(ctx context.Context, q db.Querier, tenantID, key string, at, cooldownUntil time.Time, message string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO realtime_revenue_cache (`+cacheColumns+`, updated_at)
		 VALUES ($1, $2, NULL, NULL, $3, $4, $3, $5, NULL, now())
		 ON CONFLICT (tenant_id, cache_key) DO UPDATE SET
		   error_cooldown_until = EXCLUDED.error_cooldown_until,
		   last_error_at = EXCLUDED.last_error_at,
		   last_error_message = EXCLUDED.last_error_message,
		   etag = NULL,
		   updated_at = now()`,
		tenantID, key, at, cooldownUntil, message,
	)
	return eris.Wrapf(err, "postgres: save cache failure %s", key)
}

// CountCacheCoolingDown counts entries whose error cooldown is still active.
func CountCacheCoolingDown(ctx context.Context, q db.Querier) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM realtime_revenue_cache WHERE error_cooldown_until > now()`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count cache cooldowns")
}
