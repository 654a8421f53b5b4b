package budget

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// AuditSink appends budget decisions to an append-only trail. Entries carry
// the request fingerprint, never the request itself.
type AuditSink interface {
	Append(ctx context.Context, e *model.BudgetAuditEntry) error
}

var _ AuditSink = (*store.SQLiteAuditStore)(nil)

// PostgresSink writes to the budget_audit table.
type PostgresSink struct {
	pool db.Pool
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(pool db.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Append inserts one row.
func (s *PostgresSink) Append(ctx context.Context, e *model.BudgetAuditEntry) error {
	return db.InTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		return store.InsertBudgetAudit(ctx, tx, e)
	})
}

// XAdder is the slice of the Redis client the stream sink needs.
type XAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends decisions to a Redis stream with XADD, trimming
// approximately to maxLen entries.
type RedisStreamSink struct {
	client XAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a RedisStreamSink. maxLen <= 0 disables
// trimming.
func NewRedisStreamSink(client XAdder, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "budget:audit"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Append adds one stream entry.
func (s *RedisStreamSink) Append(ctx context.Context, e *model.BudgetAuditEntry) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"fingerprint":          e.Fingerprint,
			"tenant_id":            e.TenantID,
			"request_id":           e.Decision.RequestID,
			"action":               string(e.Decision.Action),
			"allowed":              strconv.FormatBool(e.Decision.Allowed),
			"estimated_cost_cents": e.Decision.EstimatedCostCents,
			"cap_cents":            e.Decision.CapCents,
			"requested_model":      e.Decision.RequestedModel,
			"resolved_model":       e.Decision.ResolvedModel,
			"reason":               e.Decision.Reason,
			"input_size":           e.InputSize,
			"output_size":          e.OutputSize,
			"created_at":           e.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return eris.Wrapf(err, "redis: xadd %s", s.stream)
	}
	return nil
}

// retryingSink retries transient failures of a remote sink.
type retryingSink struct {
	sink AuditSink
	cfg  resilience.RetryConfig
}

// WithRetry wraps sink so transient errors are retried with backoff.
func WithRetry(sink AuditSink, cfg resilience.RetryConfig) AuditSink {
	return &retryingSink{sink: sink, cfg: cfg}
}

func (s *retryingSink) Append(ctx context.Context, e *model.BudgetAuditEntry) error {
	return resilience.Do(ctx, s.cfg, func(ctx context.Context) error {
		return s.sink.Append(ctx, e)
	})
}

// MultiSink appends to every sink, reporting all failures together.
type MultiSink []AuditSink

// Append writes e to each sink in order. A failing sink does not stop the
// others.
func (m MultiSink) Append(ctx context.Context, e *model.BudgetAuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
