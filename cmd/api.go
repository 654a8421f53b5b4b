package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/budget"
	"github.com/sells-group/revenue-ledger/internal/dlq"
	"github.com/sells-group/revenue-ledger/internal/ingest"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/revcache"
	"github.com/sells-group/revenue-ledger/internal/tenant"
)

const (
	tenantHeader    = "X-Tenant-ID"
	tenantKeyHeader = "X-Tenant-Key"
	maxBodyBytes    = 1 << 20
)

type revenueReader interface {
	Get(ctx context.Context, tenantID, cacheKey string, fetch revcache.Fetcher) (*revcache.Result, error)
}

type dlqRetrier interface {
	Retry(ctx context.Context, tenantID, id string, force bool) (*dlq.RetryResult, error)
}

type reconciliationReader interface {
	GetByOrder(ctx context.Context, tenantID, orderID string) (*model.ReconciliationResult, error)
}

type budgetEvaluator interface {
	Evaluate(ctx context.Context, req budget.Request) (model.BudgetDecision, error)
}

type deliveryReceiver interface {
	Receive(ctx context.Context, d ingest.Delivery) (*ingest.Receipt, error)
}

// api serves the HTTP surface. Authentication happens upstream; the caller's
// tenant arrives in the X-Tenant-ID header.
type api struct {
	cache     revenueReader
	fetch     revcache.Fetcher
	cacheKey  string
	dlq       dlqRetrier
	reconcile reconciliationReader
	budget    budgetEvaluator
	receiver  deliveryReceiver
	ready     func(ctx context.Context) error
	metrics   http.Handler
	now       func() time.Time
}

func (a *api) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", tenantHeader},
			ExposedHeaders: []string{"ETag", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.health)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
	r.Post("/v1/ingest/{source}", a.ingest)

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Get("/v1/revenue/realtime", a.realtime)
		r.Post("/v1/dlq/{id}/retry", a.retryDeadLetter)
		r.Get("/v1/reconciliation/{order_id}", a.reconciliation)
		r.Post("/v1/budget/evaluate", a.evaluateBudget)
	})
	return r
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(tenantHeader)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + tenantHeader + " header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithID(r.Context(), id)))
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			zap.L().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type realtimeResponse struct {
	*model.Snapshot
	Cached               bool      `json:"cached"`
	LastUpdated          time.Time `json:"last_updated"`
	DataFreshnessSeconds float64   `json:"data_freshness_seconds"`
}

func (a *api) realtime(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenant.FromContext(r.Context())
	res, err := a.cache.Get(r.Context(), tenantID, a.cacheKey, a.fetch)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := strconv.Quote(res.ETag)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, realtimeResponse{
		Snapshot:             res.Snapshot,
		Cached:               res.Cached,
		LastUpdated:          res.DataAsOf,
		DataFreshnessSeconds: res.FreshnessSeconds(a.now()),
	})
}

func (a *api) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenant.FromContext(r.Context())
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	res, err := a.dlq.Retry(r.Context(), tenantID, chi.URLParam(r, "id"), force)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case dlq.OutcomePermanent, dlq.OutcomeBackoff, dlq.OutcomeQuarantined:
		status = http.StatusConflict
		if res.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		}
	}
	writeJSON(w, status, res)
}

func (a *api) reconciliation(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenant.FromContext(r.Context())
	res, err := a.reconcile.GetByOrder(r.Context(), tenantID, chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order has not been reconciled"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) evaluateBudget(w http.ResponseWriter, r *http.Request) {
	var req budget.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.TenantID, _ = tenant.FromContext(r.Context())

	d, err := a.budget.Evaluate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ingest accepts a raw webhook delivery. Failures are recorded in the dead
// letter queue and still acknowledged so the sender does not redeliver.
func (a *api) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	receipt, err := a.receiver.Receive(r.Context(), ingest.Delivery{
		TenantKey:     r.Header.Get(tenantKeyHeader),
		Source:        chi.URLParam(r, "source"),
		CorrelationID: middleware.GetReqID(r.Context()),
		Body:          body,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if receipt.DeadLetter != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":         "dead_lettered",
			"dead_letter_id": receipt.DeadLetter.ID,
			"error_type":     string(receipt.DeadLetter.ErrorType),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ingested", "id": receipt.EventID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses. Unrecognized errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	var (
		unavailable *revcache.UnavailableError
		invalid     *resilience.ValidationError
	)
	switch {
	case errors.As(err, &unavailable):
		w.Header().Set("Retry-After", strconv.Itoa(unavailable.RetryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":               "revenue snapshot temporarily unavailable",
			"reason":              unavailable.Reason,
			"retry_after_seconds": unavailable.RetryAfterSeconds,
		})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": invalid.Error()})
	case errors.Is(err, dlq.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letter record not found"})
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
