package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
)

var budgetAuditColumns = []string{"fingerprint", "tenant_id", "request_id", "decision", "input_size", "output_size", "created_at"}

// InsertBudgetAudit appends one budget decision to the audit table.
func InsertBudgetAudit(ctx context.Context, q db.Querier, e *model.BudgetAuditEntry) error {
	decision, err := json.Marshal(e.Decision)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal budget decision")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO budget_audit (fingerprint, tenant_id, request_id, decision, input_size, output_size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Fingerprint, nullString(e.TenantID), e.Decision.RequestID, decision,
		e.InputSize, e.OutputSize, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert budget audit")
}

// CopyBudgetAudit appends a batch of decisions with COPY.
func CopyBudgetAudit(ctx context.Context, pool db.Pool, entries []model.BudgetAuditEntry) (int64, error) {
	rows := make([][]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		decision, err := json.Marshal(e.Decision)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal budget decision")
		}
		rows = append(rows, []any{
			e.Fingerprint, nullString(e.TenantID), e.Decision.RequestID, decision,
			e.InputSize, e.OutputSize, e.CreatedAt,
		})
	}
	n, err := db.CopyFrom(ctx, pool, "budget_audit", budgetAuditColumns, rows)
	return n, eris.Wrap(err, "postgres: copy budget audit")
}
