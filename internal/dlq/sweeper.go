package dlq

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// SweepStats summarizes one sweep.
type SweepStats struct {
	Candidates int `json:"candidates"`
	Resolved   int `json:"resolved"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

func (s *SweepStats) add(o SweepStats) {
	s.Candidates += o.Candidates
	s.Resolved += o.Resolved
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Sweeper retries due records without forcing, at a bounded rate.
type Sweeper struct {
	h       *Handler
	limiter *rate.Limiter
	batch   int
	log     *zap.Logger
}

// NewSweeper creates a Sweeper allowing perSecond retries with a burst of one.
func NewSweeper(h *Handler, perSecond float64, batch int) *Sweeper {
	if perSecond <= 0 {
		perSecond = 5
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		h:       h,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		batch:   batch,
		log:     zap.L().With(zap.String("component", "dlq.sweeper")),
	}
}

// RunOnce retries every pending transient record of tenantID that is below
// the retry ceiling. Records still inside their backoff window are skipped by
// Retry itself.
func (s *Sweeper) RunOnce(ctx context.Context, tenantID string) (SweepStats, error) {
	var candidates []model.DeadLetterRecord
	err := db.InTenantTx(ctx, s.h.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		candidates, err = store.ListRetryCandidates(ctx, tx, tenantID, store.RetryFilter{
			MaxRetries: s.h.cfg.MaxRetries,
			Limit:      s.batch,
		})
		return err
	})
	if err != nil {
		return SweepStats{}, eris.Wrap(err, "dlq: list retry candidates")
	}

	stats := SweepStats{Candidates: len(candidates)}
	for _, rec := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		res, err := s.h.Retry(ctx, tenantID, rec.ID, false)
		if err != nil {
			stats.Errors++
			s.log.Error("sweep retry", zap.String("dlq_id", rec.ID), zap.Error(err))
			continue
		}
		switch res.Outcome {
		case OutcomeResolved:
			stats.Resolved++
		case OutcomeFailed:
			stats.Failed++
		default:
			stats.Skipped++
		}
	}

	s.log.Info("dlq sweep complete",
		zap.Int("candidates", stats.Candidates),
		zap.Int("resolved", stats.Resolved),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

// RunTenants sweeps several tenants with at most concurrency sweeps in
// flight. All tenants share the sweeper's rate limit.
func (s *Sweeper) RunTenants(ctx context.Context, tenantIDs []string, concurrency int) (SweepStats, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	var (
		mu    sync.Mutex
		total SweepStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			stats, err := s.RunOnce(gctx, tenantID)
			mu.Lock()
			total.add(stats)
			mu.Unlock()
			return eris.Wrapf(err, "dlq: sweep tenant %s", tenantID)
		})
	}
	err := g.Wait()
	return total, err
}
