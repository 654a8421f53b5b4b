package db

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// TenantSetting is the session variable row-level security policies read.
const TenantSetting = "app.current_tenant"

// CrossTenantSetting, when "on", lets a transaction read every tenant's rows.
// Only aggregate reporting sets it.
const CrossTenantSetting = "app.cross_tenant"

// InTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func InTx(ctx context.Context, pool Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit tx")
}

// InTenantTx is InTx with the tenant bound to the transaction before fn
// runs. The setting is transaction-local so a pooled connection never
// carries it into the next request.
func InTenantTx(ctx context.Context, pool Pool, tenantID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tenantID == "" {
		return eris.New("db: tenant id is required")
	}
	return InTx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := SetTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

// InCrossTenantReadTx is InTx for read-only reporting across all tenants.
// The transaction is READ ONLY, so nothing it runs can write another
// tenant's rows.
func InCrossTenantReadTx(ctx context.Context, pool Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return InTx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return eris.Wrap(err, "db: set read only")
		}
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", CrossTenantSetting, "on"); err != nil {
			return eris.Wrap(err, "db: enable cross-tenant read")
		}
		return fn(ctx, tx)
	})
}

// SetTenant binds tenantID to the current transaction.
func SetTenant(ctx context.Context, q Querier, tenantID string) error {
	if _, err := q.Exec(ctx, "SELECT set_config($1, $2, true)", TenantSetting, tenantID); err != nil {
		return eris.Wrapf(err, "db: set tenant %s", tenantID)
	}
	return nil
}

// Savepoint runs fn behind a named savepoint. A failing fn rolls back to the
// savepoint and its error is returned; the enclosing transaction stays usable.
func Savepoint(ctx context.Context, q Querier, name string, fn func(ctx context.Context) error) error {
	ident := pgx.Identifier{name}.Sanitize()
	if _, err := q.Exec(ctx, "SAVEPOINT "+ident); err != nil {
		return eris.Wrapf(err, "db: savepoint %s", name)
	}

	if fnErr := fn(ctx); fnErr != nil {
		if _, err := q.Exec(ctx, "ROLLBACK TO SAVEPOINT "+ident); err != nil {
			return eris.Wrapf(err, "db: rollback to savepoint %s after %v", name, fnErr)
		}
		return fnErr
	}

	if _, err := q.Exec(ctx, "RELEASE SAVEPOINT "+ident); err != nil {
		return eris.Wrapf(err, "db: release savepoint %s", name)
	}
	return nil
}

// TryXactLock attempts a transaction-scoped advisory lock. It never blocks;
// the lock is released automatically at commit or rollback.
func TryXactLock(ctx context.Context, q Querier, key int64) (bool, error) {
	var acquired bool
	if err := q.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", key).Scan(&acquired); err != nil {
		return false, eris.Wrap(err, "db: try advisory lock")
	}
	return acquired, nil
}

// LockKey derives a stable 64-bit advisory lock key from its parts. The same
// parts always produce the same key across processes.
func LockKey(parts ...string) int64 {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8])) //nolint:gosec // wraparound is fine for a lock key
}
