package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the reconciliation controller.
// A nil or disabled Metrics is safe to record against.
type Metrics struct {
	config MetricsConfig

	passesStarted   prometheus.Counter
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec

	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionRetries   prometheus.Counter

	driftDetections prometheus.Counter
	orphansReported prometheus.Gauge

	joinAttempts *prometheus.CounterVec
	nodesByState *prometheus.GaugeVec

	workloadsManaged prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. When disabled, all recorders are
// no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		passesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_started_total",
			Help:      "Total number of reconciliation passes started",
		}),
		passesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_completed_total",
			Help:      "Total number of reconciliation passes completed",
		}, []string{"status"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_actions_executed_total",
			Help:      "Total number of sync actions executed",
		}, []string{"action", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_action_duration_seconds",
			Help:      "Duration of individual sync actions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		actionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_action_retries_total",
			Help:      "Total number of transient-failure retries",
		}),

		driftDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_detections_total",
			Help:      "Total number of drift detections",
		}),
		orphansReported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphan_workloads",
			Help:      "Observed workloads not present in the desired set",
		}),

		joinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_attempts_total",
			Help:      "Total number of node join attempts",
		}, []string{"result"}),
		nodesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Declared nodes by join state",
		}, []string{"state"}),

		workloadsManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workloads_managed",
			Help:      "Workloads currently tracked in applied state",
		}),
	}

	registry.MustRegister(
		m.passesStarted, m.passesCompleted, m.passDuration,
		m.actionsExecuted, m.actionDuration, m.actionRetries,
		m.driftDetections, m.orphansReported,
		m.joinAttempts, m.nodesByState,
		m.workloadsManaged,
	)
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordPassStarted marks the start of a reconciliation pass.
func (m *Metrics) RecordPassStarted() {
	if m.enabled() {
		m.passesStarted.Inc()
	}
}

// RecordPassCompleted records a finished pass with its outcome.
func (m *Metrics) RecordPassCompleted(status string, d time.Duration) {
	if m.enabled() {
		m.passesCompleted.WithLabelValues(status).Inc()
		m.passDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// RecordAction records one executed sync action.
func (m *Metrics) RecordAction(action, status string, d time.Duration) {
	if m.enabled() {
		m.actionsExecuted.WithLabelValues(action, status).Inc()
		m.actionDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

// RecordActionRetry counts a transient-failure retry.
func (m *Metrics) RecordActionRetry() {
	if m.enabled() {
		m.actionRetries.Inc()
	}
}

// RecordDriftDetected counts a drift detection.
func (m *Metrics) RecordDriftDetected() {
	if m.enabled() {
		m.driftDetections.Inc()
	}
}

// SetOrphans records the current orphan count.
func (m *Metrics) SetOrphans(n int) {
	if m.enabled() {
		m.orphansReported.Set(float64(n))
	}
}

// RecordJoinAttempt counts a join attempt by result (completed, expired,
// reused, failed).
func (m *Metrics) RecordJoinAttempt(result string) {
	if m.enabled() {
		m.joinAttempts.WithLabelValues(result).Inc()
	}
}

// SetNodesByState records node counts per join state.
func (m *Metrics) SetNodesByState(counts map[string]int) {
	if m.enabled() {
		for state, n := range counts {
			m.nodesByState.WithLabelValues(state).Set(float64(n))
		}
	}
}

// SetWorkloadsManaged records the applied-state size.
func (m *Metrics) SetWorkloadsManaged(n int) {
	if m.enabled() {
		m.workloadsManaged.Set(float64(n))
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
