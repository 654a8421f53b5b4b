// Package dlq records failed ingestion attempts and drives their bounded
// retry state machine.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/monitoring"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// ErrNotFound is returned when a record does not exist or belongs to another
// tenant.
var ErrNotFound = errors.New("dlq: record not found")

// Config holds the retry policy.
type Config struct {
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	Multiplier     float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

// DefaultConfig returns 3 retries with 60s, 120s, 240s backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 60 * time.Second,
		Multiplier:     2,
	}
}

// Reingester replays a raw payload through the normal ingestion path on q,
// returning the id of the canonical record it created.
type Reingester interface {
	Reingest(ctx context.Context, q db.Querier, tenantID, source string, raw []byte) (string, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock replaces time.Now for backoff decisions and timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler routes failures into the dead letter queue and retries them.
type Handler struct {
	pool   db.Pool
	ingest Reingester
	cfg    Config
	now    func() time.Time
	log    *zap.Logger
}

// NewHandler creates a Handler. Zero fields in cfg take their defaults.
func NewHandler(pool db.Pool, ingest Reingester, cfg Config, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	h := &Handler{
		pool:   pool,
		ingest: ingest,
		cfg:    cfg,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "dlq")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the effective retry policy.
func (h *Handler) Config() Config {
	return h.cfg
}

// RouteRequest describes one failed ingestion attempt.
type RouteRequest struct {
	TenantID      string
	CorrelationID string
	Source        string
	Payload       []byte
	Err           error
}

// Route records a failure on q, which should be the caller's tenant-bound
// transaction so the record commits with it. Classification never fails;
// only the insert can.
func (h *Handler) Route(ctx context.Context, q db.Querier, req RouteRequest) (*model.DeadLetterRecord, error) {
	if req.TenantID == "" {
		return nil, &resilience.ValidationError{Field: "tenant_id", Err: errors.New("required; use RouteUnattributed")}
	}
	tenantID := req.TenantID
	return h.route(ctx, q, &tenantID, req)
}

// RouteUnattributed records a failure that cannot be tied to a tenant. It
// is the only path that writes a record with a NULL tenant.
func (h *Handler) RouteUnattributed(ctx context.Context, q db.Querier, req RouteRequest) (*model.DeadLetterRecord, error) {
	return h.route(ctx, q, nil, req)
}

func (h *Handler) route(ctx context.Context, q db.Querier, tenantID *string, req RouteRequest) (*model.DeadLetterRecord, error) {
	errType, class := resilience.Classify(req.Err)
	now := h.now().UTC()

	rec := &model.DeadLetterRecord{
		TenantID:          tenantID,
		CorrelationID:     req.CorrelationID,
		Source:            req.Source,
		Payload:           req.Payload,
		ErrorType:         errType,
		Classification:    class,
		ExceptionClass:    resilience.ExceptionClass(req.Err),
		ErrorMessage:      model.Truncate(errorMessage(req.Err), model.MaxErrorMessageLen),
		ErrorTraceback:    model.Truncate(errorTrace(req.Err), model.MaxErrorTracebackLen),
		RemediationStatus: model.RemediationPending,
		CreatedAt:         now,
	}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	if err := store.InsertDeadLetter(ctx, q, rec); err != nil {
		return nil, eris.Wrap(err, "dlq: route")
	}

	monitoring.DLQRoutedTotal.WithLabelValues(string(errType), string(class)).Inc()
	h.log.Warn("ingestion failure routed to dead letter queue",
		zap.String("dlq_id", rec.ID),
		zap.Bool("quarantined", rec.Quarantined()),
		zap.String("source", rec.Source),
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("error_type", string(errType)),
		zap.String("classification", string(class)),
		zap.String("exception_class", rec.ExceptionClass),
	)
	return rec, nil
}

// Get returns one record visible to tenantID.
func (h *Handler) Get(ctx context.Context, tenantID, id string) (*model.DeadLetterRecord, error) {
	var rec *model.DeadLetterRecord
	err := db.InTenantTx(ctx, h.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		rec, err = store.GetDeadLetter(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ownedBy(rec, tenantID) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ownedBy reports whether rec exists and belongs to tenantID. Quarantined
// records belong to no tenant.
func ownedBy(rec *model.DeadLetterRecord, tenantID string) bool {
	return rec != nil && rec.TenantID != nil && *rec.TenantID == tenantID
}

// List returns records visible to tenantID matching filter.
func (h *Handler) List(ctx context.Context, tenantID string, filter store.DeadLetterFilter) ([]model.DeadLetterRecord, error) {
	var recs []model.DeadLetterRecord
	err := db.InTenantTx(ctx, h.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		recs, err = store.ListDeadLetters(ctx, tx, tenantID, filter)
		return err
	})
	return recs, err
}

// errorMessage and errorTrace recover from a panicking Error method; the
// failure is still recorded.
func errorMessage(err error) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("unreadable error: %v", r)
		}
	}()
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func errorTrace(err error) (trace string) {
	defer func() {
		if r := recover(); r != nil {
			trace = ""
		}
	}()
	if err == nil {
		return ""
	}
	return eris.ToString(err, true)
}
