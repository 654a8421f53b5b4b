package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
)

const deadLetterColumns = `id, tenant_id, correlation_id, source, payload, error_type, classification,
	exception_class, error_message, error_traceback, retry_count, last_retry_at,
	remediation_status, remediation_notes, resolved_at, created_at, updated_at`

// InsertDeadLetter persists rec on q, assigning its id and timestamps.
// A nil TenantID is only accepted by the quarantine insert policy.
func InsertDeadLetter(ctx context.Context, q db.Querier, rec *model.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	_, err := q.Exec(ctx,
		`INSERT INTO dead_letter_queue (`+deadLetterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.TenantID, nullString(rec.CorrelationID), rec.Source, rec.Payload,
		string(rec.ErrorType), string(rec.Classification), rec.ExceptionClass,
		rec.ErrorMessage, nullString(rec.ErrorTraceback), rec.RetryCount, rec.LastRetryAt,
		string(rec.RemediationStatus), rec.RemediationNotes, rec.ResolvedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert dead letter")
}

// GetDeadLetter returns tenantID's record with id, or nil when it does not
// exist or belongs to another tenant.
func GetDeadLetter(ctx context.Context, q db.Querier, tenantID, id string) (*model.DeadLetterRecord, error) {
	rec, err := scanDeadLetter(q.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_queue WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, eris.Wrapf(err, "postgres: get dead letter %s", id)
}

// LockDeadLetter is GetDeadLetter with a row lock held until the enclosing
// transaction ends, so concurrent retry drivers serialize on the record.
func LockDeadLetter(ctx context.Context, q db.Querier, tenantID, id string) (*model.DeadLetterRecord, error) {
	rec, err := scanDeadLetter(q.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter_queue WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, eris.Wrapf(err, "postgres: lock dead letter %s", id)
}

// UpdateDeadLetterState writes the retry bookkeeping fields of rec.
func UpdateDeadLetterState(ctx context.Context, q db.Querier, rec *model.DeadLetterRecord) error {
	tag, err := q.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = $1, last_retry_at = $2, remediation_status = $3,
		     remediation_notes = $4, resolved_at = $5, updated_at = $6
		 WHERE id = $7`,
		rec.RetryCount, rec.LastRetryAt, string(rec.RemediationStatus),
		rec.RemediationNotes, rec.ResolvedAt, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update dead letter %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dead letter not found: %s", rec.ID)
	}
	return nil
}

// ListDeadLetters returns tenantID's records matching filter, newest first.
func ListDeadLetters(ctx context.Context, q db.Querier, tenantID string, filter DeadLetterFilter) ([]model.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND remediation_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, string(filter.ErrorType))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return queryDeadLetters(ctx, q, "list", query, args...)
}

// ListRetryCandidates returns tenantID's pending transient records below the
// retry ceiling, oldest attempt first.
func ListRetryCandidates(ctx context.Context, q db.Querier, tenantID string, filter RetryFilter) ([]model.DeadLetterRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	return queryDeadLetters(ctx, q, "list retry candidates",
		`SELECT `+deadLetterColumns+` FROM dead_letter_queue
		 WHERE remediation_status = 'pending' AND classification = 'transient'
		   AND retry_count < $1 AND tenant_id = $2
		 ORDER BY COALESCE(last_retry_at, created_at) ASC
		 LIMIT $3`,
		filter.MaxRetries, tenantID, limit,
	)
}

// CountDeadLettersByStatus returns the number of records per status across
// every tenant visible to q.
func CountDeadLettersByStatus(ctx context.Context, q db.Querier) (map[model.RemediationStatus]int, error) {
	rows, err := q.Query(ctx,
		`SELECT remediation_status, COUNT(*) FROM dead_letter_queue GROUP BY remediation_status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count dead letters")
	}
	defer rows.Close()

	counts := make(map[model.RemediationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter count")
		}
		counts[model.RemediationStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count dead letters iterate")
}

func queryDeadLetters(ctx context.Context, q db.Querier, op, query string, args ...any) ([]model.DeadLetterRecord, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s dead letters", op)
	}
	defer rows.Close()

	var out []model.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s dead letters iterate", op)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row scannable) (*model.DeadLetterRecord, error) {
	var (
		r              model.DeadLetterRecord
		correlationID  *string
		traceback      *string
		errorType      string
		classification string
		status         string
	)
	err := row.Scan(&r.ID, &r.TenantID, &correlationID, &r.Source, &r.Payload,
		&errorType, &classification, &r.ExceptionClass, &r.ErrorMessage, &traceback,
		&r.RetryCount, &r.LastRetryAt, &status, &r.RemediationNotes, &r.ResolvedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ErrorType = model.ErrorType(errorType)
	r.Classification = model.Classification(classification)
	r.RemediationStatus = model.RemediationStatus(status)
	if correlationID != nil {
		r.CorrelationID = *correlationID
	}
	if traceback != nil {
		r.ErrorTraceback = *traceback
	}
	return &r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
