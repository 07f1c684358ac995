package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snops_agents_total",
			Help: "Total number of registered agents by connection state and mode",
		},
		[]string{"connection", "mode"},
	)

	AgentClaimsHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snops_agent_claims_held",
			Help: "Number of currently held agent claims by kind",
		},
		[]string{"kind"}, // compute | env
	)

	// Environment metrics
	EnvironmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snops_environments_total",
			Help: "Total number of live environments",
		},
	)

	EnvironmentApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snops_environment_apply_duration_seconds",
			Help:    "Time taken to apply an environment spec, including delegation",
			Buckets: prometheus.DefBuckets,
		},
	)

	DelegationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_delegation_failures_total",
			Help: "Total delegation failures by kind",
		},
		[]string{"kind"},
	)

	// Reconciler metrics (agent side)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snops_reconciliation_duration_seconds",
			Help:    "Time taken for one reconcile iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_reconciliation_cycles_total",
			Help: "Total number of reconcile iterations run",
		},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_reconcile_errors_total",
			Help: "Total fatal reconcile errors by kind",
		},
		[]string{"kind"},
	)

	// Transfer metrics (agent side)
	TransfersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snops_transfers_active",
			Help: "Number of transfers currently in flight",
		},
	)

	TransferBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_transfer_bytes_total",
			Help: "Total bytes downloaded across all transfers",
		},
	)

	TransferFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_transfer_failures_total",
			Help: "Total transfer interruptions",
		},
	)

	// Cannon metrics
	CannonTrackersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snops_cannon_trackers_total",
			Help: "Number of transaction trackers by cannon and status",
		},
		[]string{"cannon_id", "status"},
	)

	CannonInstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snops_cannon_instances_total",
			Help: "Total number of registered cannon instances across all environments",
		},
	)

	CannonTrackingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snops_cannon_tracking_cycle_duration_seconds",
			Help:    "Time taken for one cannon tracking-loop pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransactionsConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_transactions_confirmed_total",
			Help: "Total confirmed transactions across all cannons",
		},
	)

	TransactionsExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_transactions_exceeded_total",
			Help: "Total transactions dropped after attempt exhaustion",
		},
	)

	// Wire session metrics
	SessionsConnectedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snops_sessions_connected_total",
			Help: "Currently connected agent wire sessions",
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snops_heartbeat_failures_total",
			Help: "Total heartbeat timeouts leading to session teardown",
		},
	)

	// Event bus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_events_published_total",
			Help: "Total events published by content kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snops_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snops_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentClaimsHeld)
	prometheus.MustRegister(EnvironmentsTotal)
	prometheus.MustRegister(EnvironmentApplyDuration)
	prometheus.MustRegister(DelegationFailuresTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconcileErrorsTotal)
	prometheus.MustRegister(TransfersActive)
	prometheus.MustRegister(TransferBytesTotal)
	prometheus.MustRegister(TransferFailuresTotal)
	prometheus.MustRegister(CannonTrackersTotal)
	prometheus.MustRegister(CannonInstancesTotal)
	prometheus.MustRegister(CannonTrackingCycleDuration)
	prometheus.MustRegister(TransactionsConfirmedTotal)
	prometheus.MustRegister(TransactionsExceededTotal)
	prometheus.MustRegister(SessionsConnectedTotal)
	prometheus.MustRegister(HeartbeatFailuresTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
