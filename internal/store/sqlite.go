package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/revenue-ledger/internal/model"
)

// SQLiteAuditStore is a local append-only budget audit trail backed by
// modernc.org/sqlite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAudit opens a SQLite database at the given path and configures WAL mode.
func NewSQLiteAudit(dsn string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteAuditStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS budget_audit (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL,
	tenant_id   TEXT,
	request_id  TEXT NOT NULL,
	action      TEXT NOT NULL,
	decision    TEXT NOT NULL,
	input_size  INTEGER NOT NULL,
	output_size INTEGER NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_budget_audit_fingerprint ON budget_audit(fingerprint);
CREATE INDEX IF NOT EXISTS idx_budget_audit_created_at ON budget_audit(created_at);

CREATE TRIGGER IF NOT EXISTS budget_audit_no_update BEFORE UPDATE ON budget_audit
BEGIN
	SELECT RAISE(ABORT, 'budget_audit is append-only');
END;

CREATE TRIGGER IF NOT EXISTS budget_audit_no_delete BEFORE DELETE ON budget_audit
BEGIN
	SELECT RAISE(ABORT, 'budget_audit is append-only');
END;
`

func (s *SQLiteAuditStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

// Append writes one audit entry.
func (s *SQLiteAuditStore) Append(ctx context.Context, e *model.BudgetAuditEntry) error {
	decision, err := json.Marshal(e.Decision)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal decision")
	}
	var tenant sql.NullString
	if e.TenantID != "" {
		tenant = sql.NullString{String: e.TenantID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO budget_audit (fingerprint, tenant_id, request_id, action, decision, input_size, output_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Fingerprint, tenant, e.Decision.RequestID, string(e.Decision.Action),
		string(decision), e.InputSize, e.OutputSize, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert budget audit")
}

// ListByFingerprint returns every entry recorded for fingerprint, oldest first.
func (s *SQLiteAuditStore) ListByFingerprint(ctx context.Context, fingerprint string) ([]model.BudgetAuditEntry, error) {
	return s.list(ctx,
		`SELECT fingerprint, tenant_id, decision, input_size, output_size, created_at
		 FROM budget_audit WHERE fingerprint = ? ORDER BY id ASC`,
		fingerprint,
	)
}

// ListSince returns up to limit entries recorded at or after t, oldest first.
func (s *SQLiteAuditStore) ListSince(ctx context.Context, t time.Time, limit int) ([]model.BudgetAuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx,
		`SELECT fingerprint, tenant_id, decision, input_size, output_size, created_at
		 FROM budget_audit WHERE created_at >= ? ORDER BY id ASC LIMIT ?`,
		t.UTC(), limit,
	)
}

func (s *SQLiteAuditStore) list(ctx context.Context, query string, args ...any) ([]model.BudgetAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list budget audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BudgetAuditEntry
	for rows.Next() {
		var (
			e        model.BudgetAuditEntry
			tenant   sql.NullString
			decision string
		)
		if err := rows.Scan(&e.Fingerprint, &tenant, &decision, &e.InputSize, &e.OutputSize, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan budget audit")
		}
		e.TenantID = tenant.String
		if err := json.Unmarshal([]byte(decision), &e.Decision); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decision")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list budget audit iterate")
}

// CountSince returns how many decisions with action were recorded since t.
func (s *SQLiteAuditStore) CountSince(ctx context.Context, action model.BudgetAction, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM budget_audit WHERE action = ? AND created_at >= ?`,
		string(action), t.UTC(),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count budget audit")
}
