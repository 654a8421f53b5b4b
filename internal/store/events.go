package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
)

// InsertRevenueEvent writes the canonical event row. A replay of the same
// (tenant, source, event_id) surfaces as a unique ConstraintViolation.
func InsertRevenueEvent(ctx context.Context, q db.Querier, ev *model.RevenueEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := q.Exec(ctx,
		`INSERT INTO revenue_events (id, tenant_id, source, event_id, order_id, amount_cents, currency, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.TenantID, ev.Source, ev.EventID, nullString(ev.OrderID),
		ev.AmountCents, ev.Currency, ev.OccurredAt, ev.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(db.TranslateError(err), "postgres: insert revenue event %s/%s", ev.Source, ev.EventID)
	}
	return nil
}

// RevenueTotals aggregates ingested events for one currency.
type RevenueTotals struct {
	Currency    string
	AmountCents int64
	EventCount  int64
	Sources     []string
}

// SumRevenueEvents totals the events that occurred at or after since,
// grouped by currency, largest total first.
func SumRevenueEvents(ctx context.Context, q db.Querier, tenantID string, since time.Time) ([]RevenueTotals, error) {
	rows, err := q.Query(ctx,
		`SELECT currency, COALESCE(SUM(amount_cents), 0), COUNT(*), array_agg(DISTINCT source ORDER BY source)
		 FROM revenue_events
		 WHERE tenant_id = $1 AND occurred_at >= $2
		 GROUP BY currency
		 ORDER BY 2 DESC`,
		tenantID, since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: sum revenue events")
	}
	defer rows.Close()

	var out []RevenueTotals
	for rows.Next() {
		var t RevenueTotals
		if err := rows.Scan(&t.Currency, &t.AmountCents, &t.EventCount, &t.Sources); err != nil {
			return nil, eris.Wrap(err, "postgres: scan revenue totals")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: sum revenue events iterate")
}
