package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the ledger core. Labels are bounded enums; tenant
// ids are never used as label values.
var (
	DLQRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_dlq_routed_total",
			Help: "Ingestion failures routed to the dead letter queue",
		},
		[]string{"error_type", "classification"},
	)

	DLQRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_dlq_retries_total",
			Help: "Dead letter retry attempts by outcome",
		},
		[]string{"outcome"},
	)

	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revenue_dlq_depth",
			Help: "Dead letter records by remediation status",
		},
		[]string{"status"},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_cache_requests_total",
			Help: "Realtime revenue cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	CacheFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revenue_cache_fetch_duration_seconds",
			Help:    "Duration of upstream snapshot fetches performed by cache leaders",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheCoolingDown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "revenue_cache_cooling_down",
			Help: "Cache entries with an active error cooldown",
		},
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_reconciliations_total",
			Help: "Reconciliation rows computed, split by whether ghost revenue was found",
		},
		[]string{"ghost"},
	)

	BudgetDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revenue_budget_decisions_total",
			Help: "Budget policy decisions by action",
		},
		[]string{"action"},
	)

	BudgetAuditFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "revenue_budget_audit_failures_total",
			Help: "Budget audit writes that failed and were skipped",
		},
	)
)

// Register registers all metrics on reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		DLQRoutedTotal,
		DLQRetriesTotal,
		DLQDepth,
		CacheRequestsTotal,
		CacheFetchDuration,
		CacheCoolingDown,
		ReconciliationsTotal,
		BudgetDecisionsTotal,
		BudgetAuditFailuresTotal,
	)
}
