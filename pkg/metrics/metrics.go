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
			Name: "agentmesh_agents_total",
			Help: "Total number of registered agents by role and status",
		},
		[]string{"role", "status"},
	)

	RegistrySweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_registry_sweep_duration_seconds",
			Help:    "Time taken for a registry sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	MessagesRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_messages_routed_total",
			Help: "Total number of messages routed by pattern and outcome",
		},
		[]string{"pattern", "outcome"},
	)

	MessageDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_message_delivery_duration_seconds",
			Help:    "Time from enqueue to delivery, by tier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	TierDowngradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_tier_downgrades_total",
			Help: "Total number of transport tier downgrades",
		},
		[]string{"from_tier", "to_tier"},
	)

	HMACFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_hmac_failures_total",
			Help: "Total number of messages dropped for HMAC mismatch",
		},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_retries_total",
			Help: "Total number of message redeliveries by pattern",
		},
		[]string{"pattern"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmesh_circuit_breaker_open",
			Help: "Whether the circuit breaker for a target is open (1) or closed (0)",
		},
		[]string{"target"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmesh_queue_depth",
			Help: "Current depth of a per-target priority queue",
		},
		[]string{"target", "priority"},
	)

	// Planner metrics
	PlansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_plans_total",
			Help: "Total number of plans by terminal status",
		},
		[]string{"status"},
	)

	WaveLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_wave_latency_seconds",
			Help:    "Time taken to execute one dispatch wave",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	ReplansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_replans_total",
			Help: "Total number of replan events by trigger reason",
		},
		[]string{"reason"},
	)

	// Auth metrics
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_auth_failures_total",
			Help: "Total number of authentication failures by reason",
		},
		[]string{"reason"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_sessions_active",
			Help: "Number of currently valid, non-revoked sessions",
		},
	)

	// Checkpoint log metrics
	CheckpointApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_checkpoint_apply_duration_seconds",
			Help:    "Time taken to apply a checkpoint log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Planner reconciliation loop metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_reconciliation_duration_seconds",
			Help:    "Time taken for one planner reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_reconciliation_cycles_total",
			Help: "Total number of planner reconciliation cycles run",
		},
	)

	ThermalState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_thermal_state",
			Help: "Current planner thermal state (0=normal, 1=hot, 2=critical)",
		},
	)

	// Admin API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_api_requests_total",
			Help: "Total number of admin API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_api_request_duration_seconds",
			Help:    "Admin API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		RegistrySweepDuration,
		MessagesRoutedTotal,
		MessageDeliveryDuration,
		TierDowngradesTotal,
		HMACFailuresTotal,
		RetriesTotal,
		CircuitBreakerState,
		QueueDepth,
		PlansTotal,
		WaveLatency,
		TasksTotal,
		ReplansTotal,
		AuthFailuresTotal,
		SessionsActive,
		CheckpointApplyDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ThermalState,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
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

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
