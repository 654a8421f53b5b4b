package reconcile

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/monitoring"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// Engine reconciles orders and persists the results.
type Engine struct {
	pool db.Pool
	log  *zap.Logger
}

// NewEngine creates an Engine over pool.
func NewEngine(pool db.Pool) *Engine {
	return &Engine{pool: pool, log: zap.L().With(zap.String("component", "reconcile"))}
}

// Input is one order to reconcile in a batch.
type Input struct {
	OrderID  string                 `json:"order_id"`
	Claims   []model.PlatformClaim  `json:"claims"`
	Verified *model.VerifiedRevenue `json:"verified"`
}

// Reconcile computes and upserts the ledger row for one order, keyed by the
// verified transaction id. Invalid input fails before any write.
func (e *Engine) Reconcile(ctx context.Context, tenantID, orderID string, claims []model.PlatformClaim, verified *model.VerifiedRevenue) (*model.ReconciliationResult, error) {
	res, err := Compute(tenantID, orderID, claims, verified)
	if err != nil {
		return nil, err
	}

	var stored *model.ReconciliationResult
	err = db.InTenantTx(ctx, e.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		stored, err = store.UpsertReconciliation(ctx, tx, res)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: order %s", orderID)
	}

	monitoring.ReconciliationsTotal.WithLabelValues(strconv.FormatBool(stored.GhostRevenueCents > 0)).Inc()
	e.log.Info("order reconciled",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("transaction_id", stored.TransactionID),
		zap.Int64("claimed_total_cents", stored.ClaimedTotalCents),
		zap.Int64("verified_total_cents", stored.VerifiedTotalCents),
		zap.Int64("ghost_revenue_cents", stored.GhostRevenueCents),
		zap.Int("discrepancy_bps", stored.DiscrepancyBps),
		zap.Strings("claim_sources", stored.ClaimSources),
	)
	return stored, nil
}

// ReconcileBatch computes every input and writes them with one bulk upsert.
// Any invalid input fails the whole batch before anything is written.
func (e *Engine) ReconcileBatch(ctx context.Context, tenantID string, inputs []Input) (int64, error) {
	results, err := computeBatch(tenantID, inputs)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(results))
	var ghostTotal int64
	for _, res := range results {
		ghostTotal += res.GhostRevenueCents
		rows = append(rows, store.ReconciliationRow(res))
	}

	var written int64
	err = db.InTenantTx(ctx, e.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		n, err := db.BulkUpsertTx(ctx, tx, store.ReconciliationUpsert, rows)
		written = n
		return err
	})
	if err != nil {
		return 0, eris.Wrap(err, "reconcile: batch upsert")
	}

	e.log.Info("reconciliation batch written",
		zap.String("tenant_id", tenantID),
		zap.Int("orders", len(rows)),
		zap.Int("superseded", len(inputs)-len(rows)),
		zap.Int64("rows_written", written),
		zap.Int64("ghost_revenue_cents", ghostTotal),
	)
	return written, nil
}

// computeBatch computes inputs in order. A later input for a transaction
// already in the batch replaces the earlier result, since one upsert
// statement cannot touch the same row twice.
func computeBatch(tenantID string, inputs []Input) ([]*model.ReconciliationResult, error) {
	results := make([]*model.ReconciliationResult, 0, len(inputs))
	pos := make(map[string]int, len(inputs))
	for _, in := range inputs {
		res, err := Compute(tenantID, in.OrderID, in.Claims, in.Verified)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: batch order %s", in.OrderID)
		}
		if i, ok := pos[res.TransactionID]; ok {
			results[i] = res
			continue
		}
		pos[res.TransactionID] = len(results)
		results = append(results, res)
	}
	return results, nil
}

// GetByOrder returns the latest result for the order, or nil if the order
// has never been reconciled.
func (e *Engine) GetByOrder(ctx context.Context, tenantID, orderID string) (*model.ReconciliationResult, error) {
	var res *model.ReconciliationResult
	err := db.InTenantTx(ctx, e.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		res, err = store.GetReconciliationByOrder(ctx, tx, tenantID, orderID)
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: get order %s", orderID)
	}
	return res, nil
}
