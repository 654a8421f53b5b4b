package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/db"
)

// migrationLockKey serializes concurrent migrations across processes.
const migrationLockKey int64 = 7301955

// schemaSQL creates the ledger tables. Row-level security is forced, so it
// binds the owning role too, and keys off app.current_tenant;
// dead_letter_queue additionally accepts inserts with a NULL tenant for the
// quarantine lane. app.cross_tenant opens SELECT on every tenant for
// aggregate reporting.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT,
	correlation_id     TEXT,
	source             TEXT NOT NULL,
	payload            BYTEA NOT NULL,
	error_type         TEXT NOT NULL CHECK (error_type IN ('schema_validation','fk_constraint','duplicate_key','database_timeout','network_error','pii_violation','unknown')),
	classification     TEXT NOT NULL CHECK (classification IN ('transient','permanent')),
	exception_class    TEXT NOT NULL,
	error_message      TEXT NOT NULL,
	error_traceback    TEXT,
	retry_count        INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	last_retry_at      TIMESTAMPTZ,
	remediation_status TEXT NOT NULL DEFAULT 'pending' CHECK (remediation_status IN ('pending','in_progress','resolved','abandoned')),
	remediation_notes  TEXT NOT NULL DEFAULT '',
	resolved_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((remediation_status = 'resolved') = (resolved_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_dlq_tenant_status ON dead_letter_queue(tenant_id, remediation_status);
CREATE INDEX IF NOT EXISTS idx_dlq_quarantine ON dead_letter_queue(created_at) WHERE tenant_id IS NULL;

CREATE TABLE IF NOT EXISTS reconciliation_results (
	id                     TEXT PRIMARY KEY,
	tenant_id              TEXT NOT NULL,
	order_id               TEXT NOT NULL,
	transaction_id         TEXT NOT NULL UNIQUE,
	claimed_total_cents    BIGINT NOT NULL CHECK (claimed_total_cents >= 0),
	verified_total_cents   BIGINT NOT NULL CHECK (verified_total_cents >= 0),
	ghost_revenue_cents    BIGINT NOT NULL CHECK (ghost_revenue_cents >= 0),
	discrepancy_bps        INTEGER NOT NULL CHECK (discrepancy_bps BETWEEN 0 AND 10000),
	claim_sources          TEXT[] NOT NULL DEFAULT '{}',
	verification_source    TEXT NOT NULL,
	verification_timestamp TIMESTAMPTZ NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recon_tenant_order ON reconciliation_results(tenant_id, order_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS realtime_revenue_cache (
	tenant_id            TEXT NOT NULL,
	cache_key            TEXT NOT NULL,
	payload              JSONB,
	data_as_of           TIMESTAMPTZ,
	expires_at           TIMESTAMPTZ NOT NULL,
	error_cooldown_until TIMESTAMPTZ,
	last_error_at        TIMESTAMPTZ,
	last_error_message   TEXT,
	etag                 TEXT,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, cache_key)
);

CREATE INDEX IF NOT EXISTS idx_rev_cache_expires_at ON realtime_revenue_cache(expires_at);

CREATE TABLE IF NOT EXISTS revenue_events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	source       TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	order_id     TEXT,
	amount_cents BIGINT NOT NULL,
	currency     TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, source, event_id)
);

CREATE INDEX IF NOT EXISTS idx_revenue_events_occurred ON revenue_events(tenant_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS budget_audit (
	id          BIGSERIAL PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	tenant_id   TEXT,
	request_id  TEXT NOT NULL,
	decision    JSONB NOT NULL,
	input_size  BIGINT NOT NULL,
	output_size BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_budget_audit_fingerprint ON budget_audit(fingerprint);

ALTER TABLE dead_letter_queue ENABLE ROW LEVEL SECURITY;
ALTER TABLE dead_letter_queue FORCE ROW LEVEL SECURITY;
ALTER TABLE reconciliation_results ENABLE ROW LEVEL SECURITY;
ALTER TABLE reconciliation_results FORCE ROW LEVEL SECURITY;
ALTER TABLE realtime_revenue_cache ENABLE ROW LEVEL SECURITY;
ALTER TABLE realtime_revenue_cache FORCE ROW LEVEL SECURITY;
ALTER TABLE revenue_events ENABLE ROW LEVEL SECURITY;
ALTER TABLE revenue_events FORCE ROW LEVEL SECURITY;

DROP POLICY IF EXISTS tenant_isolation ON dead_letter_queue;
CREATE POLICY tenant_isolation ON dead_letter_queue
	USING (tenant_id = current_setting('app.current_tenant', true));
DROP POLICY IF EXISTS cross_tenant_read ON dead_letter_queue;
CREATE POLICY cross_tenant_read ON dead_letter_queue FOR SELECT
	USING (current_setting('app.cross_tenant', true) = 'on');
DROP POLICY IF EXISTS quarantine_insert ON dead_letter_queue;
CREATE POLICY quarantine_insert ON dead_letter_queue FOR INSERT
	WITH CHECK (tenant_id IS NULL);

DROP POLICY IF EXISTS tenant_isolation ON reconciliation_results;
CREATE POLICY tenant_isolation ON reconciliation_results
	USING (tenant_id = current_setting('app.current_tenant', true));
DROP POLICY IF EXISTS cross_tenant_read ON reconciliation_results;
CREATE POLICY cross_tenant_read ON reconciliation_results FOR SELECT
	USING (current_setting('app.cross_tenant', true) = 'on');

DROP POLICY IF EXISTS tenant_isolation ON realtime_revenue_cache;
CREATE POLICY tenant_isolation ON realtime_revenue_cache
	USING (tenant_id = current_setting('app.current_tenant', true));
DROP POLICY IF EXISTS cross_tenant_read ON realtime_revenue_cache;
CREATE POLICY cross_tenant_read ON realtime_revenue_cache FOR SELECT
	USING (current_setting('app.cross_tenant', true) = 'on');

DROP POLICY IF EXISTS tenant_isolation ON revenue_events;
CREATE POLICY tenant_isolation ON revenue_events
	USING (tenant_id = current_setting('app.current_tenant', true));
DROP POLICY IF EXISTS cross_tenant_read ON revenue_events;
CREATE POLICY cross_tenant_read ON revenue_events FOR SELECT
	USING (current_setting('app.cross_tenant', true) = 'on');
`

// Migrate creates the ledger schema. Concurrent callers queue on a
// transaction-scoped advisory lock so only one applies DDL at a time.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	err := db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
			return eris.Wrap(err, "postgres: acquire migration lock")
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return eris.Wrap(err, "postgres: apply schema")
		}
		return nil
	})
	if err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	log.Info("schema up to date")
	return nil
}
