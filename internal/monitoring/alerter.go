package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQBacklog      AlertType = "dlq_backlog"
	AlertDLQAbandoned    AlertType = "dlq_abandoned"
	AlertCacheCooldowns  AlertType = "cache_cooldowns"
	AlertHighDiscrepancy AlertType = "high_discrepancy"
	AlertBudgetBlocks    AlertType = "budget_blocks"
	AlertSweepFailed     AlertType = "dlq_sweep_failed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.DLQPendingThreshold > 0 && snap.DLQPending >= a.cfg.DLQPendingThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("%d dead letter records pending retry (threshold %d)",
				snap.DLQPending, a.cfg.DLQPendingThreshold),
			Details: map[string]any{
				"pending":   snap.DLQPending,
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQPendingThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQAbandonedThreshold > 0 && snap.DLQAbandoned >= a.cfg.DLQAbandonedThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQAbandoned,
			Severity: "high",
			Message: fmt.Sprintf("%d dead letter records abandoned and awaiting manual review",
				snap.DLQAbandoned),
			Details: map[string]any{
				"abandoned": snap.DLQAbandoned,
				"threshold": a.cfg.DLQAbandonedThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CacheCooldownThreshold > 0 && snap.CacheCoolingDown >= a.cfg.CacheCooldownThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCacheCooldowns,
			Severity: "high",
			Message: fmt.Sprintf("%d realtime cache entries in error cooldown; upstream may be down",
				snap.CacheCoolingDown),
			Details: map[string]any{
				"cooling_down": snap.CacheCoolingDown,
				"threshold":    a.cfg.CacheCooldownThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.HighDiscrepancyThreshold > 0 && snap.HighDiscrepancy >= a.cfg.HighDiscrepancyThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertHighDiscrepancy,
			Severity: "high",
			Message: fmt.Sprintf("%d reconciliations at or above %d bps discrepancy in last %dh",
				snap.HighDiscrepancy, snap.HighDiscrepancyBps, snap.LookbackHours),
			Details: map[string]any{
				"count":     snap.HighDiscrepancy,
				"min_bps":   snap.HighDiscrepancyBps,
				"threshold": a.cfg.HighDiscrepancyThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BudgetBlockThreshold > 0 && snap.BudgetBlocked >= a.cfg.BudgetBlockThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBudgetBlocks,
			Severity: "medium",
			Message: fmt.Sprintf("%d paid calls blocked by the budget cap in last %dh",
				snap.BudgetBlocked, snap.LookbackHours),
			Details: map[string]any{
				"blocked":   snap.BudgetBlocked,
				"fallbacks": snap.BudgetFallbacks,
				"threshold": a.cfg.BudgetBlockThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
