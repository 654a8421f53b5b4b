package dlq

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/monitoring"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// Outcome is what a retry call did. Values double as metric labels.
type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomeFailed          Outcome = "failed"
	OutcomeAbandoned       Outcome = "abandoned"
	OutcomePermanent       Outcome = "refused_permanent"
	OutcomeBackoff         Outcome = "refused_backoff"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeQuarantined     Outcome = "quarantined"
)

// RetryResult reports the outcome of one retry call.
type RetryResult struct {
	Success           bool                    `json:"success"`
	Outcome           Outcome                 `json:"outcome"`
	Message           string                  `json:"message"`
	Status            model.RemediationStatus `json:"remediation_status"`
	RetryCount        int                     `json:"retry_count"`
	CanonicalID       string                  `json:"canonical_id,omitempty"`
	RetryAfterSeconds int                     `json:"retry_after_seconds,omitempty"`
}

const reingestSavepoint = "dlq_reingest"

// Retry re-ingests record id for tenantID. The row is locked for the whole
// attempt and every state change commits together with the re-ingested data.
// force skips the retry ceiling, the permanent-error refusal and the backoff
// window; it never skips the state table.
//
// Refusals are reported in the result with Success false. The error return
// is for missing records and storage failures.
func (h *Handler) Retry(ctx context.Context, tenantID, id string, force bool) (*RetryResult, error) {
	var res *RetryResult
	err := db.InTenantTx(ctx, h.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		rec, err := store.LockDeadLetter(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if !ownedBy(rec, tenantID) {
			return ErrNotFound
		}
		res, err = h.retryLocked(ctx, tx, rec, force)
		return err
	})
	if err != nil {
		return nil, err
	}

	monitoring.DLQRetriesTotal.WithLabelValues(string(res.Outcome)).Inc()
	h.log.Info("dead letter retry",
		zap.String("dlq_id", id),
		zap.Bool("force", force),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("retry_count", res.RetryCount),
		zap.String("canonical_id", res.CanonicalID),
	)
	return res, nil
}

func (h *Handler) retryLocked(ctx context.Context, q db.Querier, rec *model.DeadLetterRecord, force bool) (*RetryResult, error) {
	now := h.now().UTC()
	result := func(o Outcome, msg string) *RetryResult {
		return &RetryResult{
			Success:    o == OutcomeResolved,
			Outcome:    o,
			Message:    msg,
			Status:     rec.RemediationStatus,
			RetryCount: rec.RetryCount,
		}
	}

	if rec.Quarantined() {
		return result(OutcomeQuarantined, "record has no tenant; attribute it before retrying"), nil
	}
	if rec.RemediationStatus == model.RemediationResolved {
		return result(OutcomeAlreadyResolved, "record is already resolved"), nil
	}

	if !force {
		if rec.RetryCount >= h.cfg.MaxRetries {
			if rec.RemediationStatus != model.RemediationAbandoned {
				if err := rec.Transition(model.RemediationAbandoned, now); err != nil {
					return nil, err
				}
				rec.AppendNote(now, fmt.Sprintf("abandoned after %d retries", rec.RetryCount))
				if err := store.UpdateDeadLetterState(ctx, q, rec); err != nil {
					return nil, err
				}
			}
			return result(OutcomeAbandoned,
				fmt.Sprintf("max retries (%d) exceeded; force retry to override", h.cfg.MaxRetries)), nil
		}
		if rec.Classification == model.ClassificationPermanent {
			return result(OutcomePermanent,
				fmt.Sprintf("%s errors are permanent; force retry to override", rec.ErrorType)), nil
		}
		if rec.LastRetryAt != nil {
			delay := resilience.Backoff(rec.RetryCount, h.cfg.InitialBackoff, h.cfg.Multiplier)
			if wait := rec.LastRetryAt.Add(delay).Sub(now); wait > 0 {
				secs := int(math.Ceil(wait.Seconds()))
				res := result(OutcomeBackoff, fmt.Sprintf("retry backoff active: %ds remaining", secs))
				res.RetryAfterSeconds = secs
				return res, nil
			}
		}
	}

	if err := rec.Transition(model.RemediationInProgress, now); err != nil {
		return nil, err
	}
	if err := store.UpdateDeadLetterState(ctx, q, rec); err != nil {
		return nil, err
	}

	var (
		canonicalID string
		ingestErr   error
	)
	spErr := db.Savepoint(ctx, q, reingestSavepoint, func(ctx context.Context) error {
		canonicalID, ingestErr = h.ingest.Reingest(ctx, q, *rec.TenantID, rec.Source, rec.Payload)
		return ingestErr
	})
	if spErr != nil && spErr != ingestErr { //nolint:errorlint // Savepoint returns fn's error unwrapped
		// The savepoint statements failed; the transaction is unusable.
		return nil, spErr
	}

	if ingestErr == nil {
		if err := rec.Transition(model.RemediationResolved, now); err != nil {
			return nil, err
		}
		rec.AppendNote(now, "resolved by retry; canonical record "+canonicalID)
		if err := store.UpdateDeadLetterState(ctx, q, rec); err != nil {
			return nil, err
		}
		res := result(OutcomeResolved, "re-ingested as "+canonicalID)
		res.CanonicalID = canonicalID
		return res, nil
	}

	rec.RetryCount++
	rec.LastRetryAt = &now
	if err := rec.Transition(model.RemediationPending, now); err != nil {
		return nil, err
	}
	errType, _ := resilience.Classify(ingestErr)
	note := model.Truncate(
		fmt.Sprintf("retry %d failed (%s): %s", rec.RetryCount, errType, errorMessage(ingestErr)),
		model.MaxErrorMessageLen)
	rec.AppendNote(now, note)
	if err := store.UpdateDeadLetterState(ctx, q, rec); err != nil {
		return nil, err
	}
	return result(OutcomeFailed, note), nil
}
