package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/config"
)

// SweepFunc retries dead letters whose backoff has elapsed. It reports how
// many records it resolved.
type SweepFunc func(ctx context.Context) (resolved int, err error)

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithSweep runs fn at the start of every cycle, so the backlog gauges and
// alerts reflect what the sweep left behind.
func WithSweep(fn SweepFunc) CheckerOption {
	return func(c *Checker) { c.sweep = fn }
}

// Checker runs the ledger's periodic upkeep: the dead letter sweep, health
// collection and alerting.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	sweep     SweepFunc
	log       *zap.Logger
}

// NewChecker creates a background checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cycle reports what one Check did.
type Cycle struct {
	Resolved int
	SweepErr error
	Snapshot *MetricsSnapshot
	Alerts   []Alert
	Sent     int
}

// Run checks on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("starting checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("sweep", c.sweep != nil),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one cycle. A failed sweep raises its own alert and does not
// stop collection; a failed collection ends the cycle with whatever the
// sweep produced.
func (c *Checker) Check(ctx context.Context) Cycle {
	var cycle Cycle
	if c.sweep != nil {
		cycle.Resolved, cycle.SweepErr = c.sweep(ctx)
		if cycle.SweepErr != nil {
			c.log.Error("dead letter sweep failed", zap.Error(cycle.SweepErr))
			cycle.Alerts = append(cycle.Alerts, Alert{
				Type:      AlertSweepFailed,
				Severity:  "warning",
				Message:   fmt.Sprintf("Dead letter sweep failed after resolving %d records", cycle.Resolved),
				Details:   map[string]any{"error": cycle.SweepErr.Error(), "resolved": cycle.Resolved},
				Timestamp: time.Now().UTC(),
			})
		}
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("monitoring: failed to collect metrics", zap.Error(err))
	} else {
		cycle.Snapshot = snap
		cycle.Alerts = append(cycle.Alerts, c.alerter.Evaluate(snap)...)
	}

	if len(cycle.Alerts) == 0 {
		c.log.Debug("monitoring: no alerts triggered", zap.Int("dlq_resolved", cycle.Resolved))
		return cycle
	}
	cycle.Sent = c.alerter.SendAlerts(ctx, cycle.Alerts)
	c.log.Info("monitoring: check complete",
		zap.Int("dlq_resolved", cycle.Resolved),
		zap.Int("alerts_triggered", len(cycle.Alerts)),
		zap.Int("alerts_sent", cycle.Sent),
	)
	return cycle
}
