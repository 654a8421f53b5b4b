package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revenue-ledger/internal/budget"
	"github.com/sells-group/revenue-ledger/internal/dlq"
	"github.com/sells-group/revenue-ledger/internal/ingest"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/revcache"
	"github.com/sells-group/revenue-ledger/internal/tenant"
)

var testNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fakeCache struct {
	res      *revcache.Result
	err      error
	tenantID string
	key      string
}

func (f *fakeCache) Get(ctx context.Context, tenantID, cacheKey string, _ revcache.Fetcher) (*revcache.Result, error) {
	f.tenantID, f.key = tenantID, cacheKey
	return f.res, f.err
}

type fakeRetrier struct {
	res   *dlq.RetryResult
	err   error
	force bool
	id    string
}

func (f *fakeRetrier) Retry(ctx context.Context, tenantID, id string, force bool) (*dlq.RetryResult, error) {
	f.id, f.force = id, force
	return f.res, f.err
}

type fakeReconciliation struct {
	res *model.ReconciliationResult
	err error
}

func (f *fakeReconciliation) GetByOrder(ctx context.Context, tenantID, orderID string) (*model.ReconciliationResult, error) {
	return f.res, f.err
}

type fakeBudget struct {
	req budget.Request
	err error
}

func (f *fakeBudget) Evaluate(ctx context.Context, req budget.Request) (model.BudgetDecision, error) {
	f.req = req
	if f.err != nil {
		return model.BudgetDecision{}, f.err
	}
	return model.BudgetDecision{
		Allowed:        true,
		Action:         model.BudgetAllow,
		RequestedModel: req.Model,
		ResolvedModel:  req.Model,
	}, nil
}

type fakeReceiver struct {
	receipt  *ingest.Receipt
	err      error
	delivery ingest.Delivery
}

func (f *fakeReceiver) Receive(ctx context.Context, d ingest.Delivery) (*ingest.Receipt, error) {
	f.delivery = d
	return f.receipt, f.err
}

func newTestAPI() *api {
	return &api{
		cache:     &fakeCache{},
		cacheKey:  "realtime:ledger:24h",
		dlq:       &fakeRetrier{},
		reconcile: &fakeReconciliation{},
		budget:    &fakeBudget{},
		receiver:  &fakeReceiver{},
		now:       func() time.Time { return testNow },
	}
}

func do(t *testing.T, a *api, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.routes(nil).ServeHTTP(rec, req)
	return rec
}

func tenantA() map[string]string {
	return map[string]string{tenantHeader: "tenant-a"}
}

func TestHealth(t *testing.T) {
	a := newTestAPI()
	rec := do(t, a, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	a.ready = func(ctx context.Context) error { return errors.New("pool closed") }
	rec = do(t, a, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireTenant(t *testing.T) {
	a := newTestAPI()
	rec := do(t, a, http.MethodGet, "/v1/revenue/realtime", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), tenantHeader)
}

func TestRealtime(t *testing.T) {
	a := newTestAPI()
	cache := &fakeCache{res: &revcache.Result{
		Snapshot: &model.Snapshot{RevenueCents: 125000, EventCount: 42, Currency: "USD", Interval: "24h", AsOf: testNow.Add(-2 * time.Minute)},
		ETag:     "abc123",
		Cached:   true,
		DataAsOf: testNow.Add(-90 * time.Second),
	}}
	a.cache = cache

	rec := do(t, a, http.MethodGet, "/v1/revenue/realtime", "", tenantA())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
	assert.Equal(t, "tenant-a", cache.tenantID)
	assert.Equal(t, "realtime:ledger:24h", cache.key)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 125000, body["revenue_cents"], 0.1)
	assert.Equal(t, true, body["cached"])
	assert.InDelta(t, 90, body["data_freshness_seconds"], 0.001)
	assert.Equal(t, testNow.Add(-90*time.Second).Format(time.RFC3339Nano), body["last_updated"])
}

func TestRealtime_NotModified(t *testing.T) {
	a := newTestAPI()
	a.cache = &fakeCache{res: &revcache.Result{
		Snapshot: &model.Snapshot{Currency: "USD"},
		ETag:     "abc123",
		DataAsOf: testNow,
	}}

	headers := tenantA()
	headers["If-None-Match"] = `"abc123"`
	rec := do(t, a, http.MethodGet, "/v1/revenue/realtime", "", headers)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRealtime_Unavailable(t *testing.T) {
	a := newTestAPI()
	a.cache = &fakeCache{err: &revcache.UnavailableError{Reason: revcache.ReasonCooldown, RetryAfterSeconds: 7}}

	rec := do(t, a, http.MethodGet, "/v1/revenue/realtime", "", tenantA())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"reason":"cooldown"`)
}

func TestRetryDeadLetter(t *testing.T) {
	tests := []struct {
		name       string
		res        *dlq.RetryResult
		err        error
		wantStatus int
		wantRetry  string
	}{
		{"resolved", &dlq.RetryResult{Success: true, Outcome: dlq.OutcomeResolved}, nil, http.StatusOK, ""},
		{"failed attempt", &dlq.RetryResult{Outcome: dlq.OutcomeFailed}, nil, http.StatusOK, ""},
		{"backoff", &dlq.RetryResult{Outcome: dlq.OutcomeBackoff, RetryAfterSeconds: 45}, nil, http.StatusConflict, "45"},
		{"permanent", &dlq.RetryResult{Outcome: dlq.OutcomePermanent}, nil, http.StatusConflict, ""},
		{"quarantined", &dlq.RetryResult{Outcome: dlq.OutcomeQuarantined}, nil, http.StatusConflict, ""},
		{"not found", nil, dlq.ErrNotFound, http.StatusNotFound, ""},
		{"storage", nil, errors.New("conn reset"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI()
			a.dlq = &fakeRetrier{res: tt.res, err: tt.err}
			rec := do(t, a, http.MethodPost, "/v1/dlq/rec-1/retry", "", tenantA())
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After"))
		})
	}
}

func TestRetryDeadLetter_Force(t *testing.T) {
	a := newTestAPI()
	r := &fakeRetrier{res: &dlq.RetryResult{Success: true, Outcome: dlq.OutcomeResolved}}
	a.dlq = r

	rec := do(t, a, http.MethodPost, "/v1/dlq/rec-9/retry?force=true", "", tenantA())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, r.force)
	assert.Equal(t, "rec-9", r.id)
}

func TestReconciliation(t *testing.T) {
	a := newTestAPI()
	rec := do(t, a, http.MethodGet, "/v1/reconciliation/order-1", "", tenantA())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.reconcile = &fakeReconciliation{res: &model.ReconciliationResult{OrderID: "order-1", GhostRevenueCents: 500}}
	rec = do(t, a, http.MethodGet, "/v1/reconciliation/order-1", "", tenantA())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "order-1")
}

func TestEvaluateBudget(t *testing.T) {
	a := newTestAPI()
	b := &fakeBudget{}
	a.budget = b

	rec := do(t, a, http.MethodPost, "/v1/budget/evaluate",
		`{"tenant_id":"spoofed","model":"claude-haiku-4-5-20251001","input_size":1000,"output_size":200}`, tenantA())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-a", b.req.TenantID)
	assert.Equal(t, int64(1000), b.req.InputSize)
	assert.Contains(t, rec.Body.String(), `"allowed":true`)
}

func TestEvaluateBudget_BadRequest(t *testing.T) {
	a := newTestAPI()
	rec := do(t, a, http.MethodPost, "/v1/budget/evaluate", `{not json`, tenantA())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	a.budget = &fakeBudget{err: &resilience.ValidationError{Field: "input_size", Err: errors.New("must not be negative")}}
	rec = do(t, a, http.MethodPost, "/v1/budget/evaluate", `{"model":"x","input_size":-1}`, tenantA())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "input_size")
}

func TestIngest(t *testing.T) {
	a := newTestAPI()
	r := &fakeReceiver{receipt: &ingest.Receipt{TenantID: "tenant-a", EventID: "evt-1"}}
	a.receiver = r

	rec := do(t, a, http.MethodPost, "/v1/ingest/shopify", `{"order_id":"o-1"}`, map[string]string{tenantKeyHeader: "acct_123"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "shopify", r.delivery.Source)
	assert.Equal(t, "acct_123", r.delivery.TenantKey)
	assert.Equal(t, `{"order_id":"o-1"}`, string(r.delivery.Body))
	assert.NotEmpty(t, r.delivery.CorrelationID)
	assert.Contains(t, rec.Body.String(), "evt-1")
}

func TestIngest_DeadLettered(t *testing.T) {
	a := newTestAPI()
	a.receiver = &fakeReceiver{receipt: &ingest.Receipt{DeadLetter: &model.DeadLetterRecord{
		ID:        "dl-1",
		ErrorType: model.ErrorTypeSchemaValidation,
	}}}

	rec := do(t, a, http.MethodPost, "/v1/ingest/stripe", `{}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dead_letter_id":"dl-1"`)
	assert.Contains(t, rec.Body.String(), "schema_validation")
}

func TestIngest_RecordFailure(t *testing.T) {
	a := newTestAPI()
	a.receiver = &fakeReceiver{err: errors.New("pool exhausted")}

	rec := do(t, a, http.MethodPost, "/v1/ingest/stripe", `{}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pool exhausted")
}

func TestMetricsRoute(t *testing.T) {
	a := newTestAPI()
	rec := do(t, a, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	a.metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	rec = do(t, a, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireTenant_SetsContext(t *testing.T) {
	var got string
	h := requireTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = tenant.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(tenantHeader, "tenant-b")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "tenant-b", got)
}
