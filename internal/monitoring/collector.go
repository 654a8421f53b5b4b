package monitoring

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// MetricsSnapshot holds a point-in-time view of ledger health across all
// tenants.
type MetricsSnapshot struct {
	DLQByStatus      map[model.RemediationStatus]int `json:"dlq_by_status"`
	DLQPending       int                             `json:"dlq_pending"`
	DLQAbandoned     int                             `json:"dlq_abandoned"`
	DLQDepth         int                             `json:"dlq_depth"`
	CacheCoolingDown int                             `json:"cache_cooling_down"`

	// Reconciliations touched within the lookback window whose discrepancy
	// is at least HighDiscrepancyBps.
	HighDiscrepancy    int `json:"high_discrepancy"`
	HighDiscrepancyBps int `json:"high_discrepancy_bps"`

	// Budget decisions within the lookback window, when an audit counter is
	// configured.
	BudgetBlocked   int `json:"budget_blocked"`
	BudgetFallbacks int `json:"budget_fallbacks"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// AuditCounter counts recorded budget decisions by action.
type AuditCounter interface {
	CountSince(ctx context.Context, action model.BudgetAction, t time.Time) (int, error)
}

var _ AuditCounter = (*store.SQLiteAuditStore)(nil)

// Collector gathers health counts from the ledger tables. Its counts run in
// a read-only cross-tenant transaction.
type Collector struct {
	pool   db.Pool
	audit  AuditCounter
	minBps int
	now    func() time.Time
}

// NewCollector creates a collector. audit may be nil.
func NewCollector(pool db.Pool, audit AuditCounter, highDiscrepancyBps int) *Collector {
	return &Collector{pool: pool, audit: audit, minBps: highDiscrepancyBps, now: time.Now}
}

// Collect gathers a snapshot over the lookback window and updates the
// Prometheus gauges.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		HighDiscrepancyBps: c.minBps,
		LookbackHours:      lookbackHours,
		CollectedAt:        now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	err := db.InCrossTenantReadTx(ctx, c.pool, func(ctx context.Context, tx pgx.Tx) error {
		counts, err := store.CountDeadLettersByStatus(ctx, tx)
		if err != nil {
			return eris.Wrap(err, "monitoring: count dead letters")
		}
		snap.DLQByStatus = counts
		snap.DLQPending = counts[model.RemediationPending]
		snap.DLQAbandoned = counts[model.RemediationAbandoned]
		snap.DLQDepth = counts[model.RemediationPending] + counts[model.RemediationInProgress] + counts[model.RemediationAbandoned]

		if snap.CacheCoolingDown, err = store.CountCacheCoolingDown(ctx, tx); err != nil {
			return eris.Wrap(err, "monitoring: count cache cooldowns")
		}
		if snap.HighDiscrepancy, err = store.CountHighDiscrepancy(ctx, tx, c.minBps, cutoff); err != nil {
			return eris.Wrap(err, "monitoring: count high discrepancy")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.audit != nil {
		if snap.BudgetBlocked, err = c.audit.CountSince(ctx, model.BudgetBlock, cutoff); err != nil {
			return nil, eris.Wrap(err, "monitoring: count budget blocks")
		}
		if snap.BudgetFallbacks, err = c.audit.CountSince(ctx, model.BudgetFallback, cutoff); err != nil {
			return nil, eris.Wrap(err, "monitoring: count budget fallbacks")
		}
	}

	publish(snap)
	return snap, nil
}

func publish(snap *MetricsSnapshot) {
	for _, s := range []model.RemediationStatus{
		model.RemediationPending, model.RemediationInProgress,
		model.RemediationResolved, model.RemediationAbandoned,
	} {
		DLQDepth.WithLabelValues(string(s)).Set(float64(snap.DLQByStatus[s]))
	}
	CacheCoolingDown.Set(float64(snap.CacheCoolingDown))
}
