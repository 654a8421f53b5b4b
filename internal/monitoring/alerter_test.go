package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revenue-ledger/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		DLQPendingThreshold:      100,
		DLQAbandonedThreshold:    1,
		CacheCooldownThreshold:   10,
		HighDiscrepancyThreshold: 1,
		BudgetBlockThreshold:     5,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		DLQPending:       3,
		CacheCoolingDown: 1,
		BudgetBlocked:    2,
		LookbackHours:    24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name     string
		snap     MetricsSnapshot
		want     AlertType
		contains string
	}{
		{"dlq backlog", MetricsSnapshot{DLQPending: 150, DLQDepth: 160}, AlertDLQBacklog, "150 dead letter records pending"},
		{"abandoned", MetricsSnapshot{DLQAbandoned: 2}, AlertDLQAbandoned, "2 dead letter records abandoned"},
		{"cache cooldowns", MetricsSnapshot{CacheCoolingDown: 12}, AlertCacheCooldowns, "12 realtime cache entries"},
		{"high discrepancy", MetricsSnapshot{HighDiscrepancy: 3, HighDiscrepancyBps: 500, LookbackHours: 24}, AlertHighDiscrepancy, "at or above 500 bps"},
		{"budget blocks", MetricsSnapshot{BudgetBlocked: 9, LookbackHours: 24}, AlertBudgetBlocks, "9 paid calls blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := NewAlerter(thresholds()).Evaluate(&tt.snap)
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.want, alerts[0].Type)
			assert.Contains(t, alerts[0].Message, tt.contains)
			assert.False(t, alerts[0].Timestamp.IsZero())
		})
	}
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		DLQPending:       500,
		DLQAbandoned:     4,
		CacheCoolingDown: 20,
		HighDiscrepancy:  1,
		BudgetBlocked:    5,
		LookbackHours:    24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 5)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertDLQBacklog])
	assert.True(t, types[AlertDLQAbandoned])
	assert.True(t, types[AlertCacheCooldowns])
	assert.True(t, types[AlertHighDiscrepancy])
	assert.True(t, types[AlertBudgetBlocks])
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		DLQPending:       10_000,
		DLQAbandoned:     10_000,
		CacheCoolingDown: 10_000,
		HighDiscrepancy:  10_000,
		BudgetBlocked:    10_000,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		assert.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertDLQAbandoned, Severity: "high", Message: "test alert 1"},
		{Type: AlertCacheCooldowns, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDLQBacklog, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQBacklog, Message: "test"}})
	assert.Equal(t, 0, sent)
}
