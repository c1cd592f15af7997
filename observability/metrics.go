package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	deployerMetricsOnce sync.Once
	deployerRegistry    *DeployerMetrics
)

// DeployerMetrics wraps collectors tracking bootstrap runs.
type DeployerMetrics struct {
	transactions       *prometheus.CounterVec
	confirmLatency     *prometheus.HistogramVec
	correlations       *prometheus.CounterVec
	correlationLatency prometheus.Histogram
	openSubscriptions  prometheus.Gauge
	programs           *prometheus.CounterVec
	runs               *prometheus.CounterVec
}

// Deployer exposes the metrics registry for the loyalty deployer.
func Deployer() *DeployerMetrics {
	deployerMetricsOnce.Do(func() {
		deployerRegistry = &DeployerMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "transactions_total",
				Help:      "Count of submitted transactions segmented by call and outcome.",
			}, []string{"call", "outcome"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "confirmation_seconds",
				Help:      "Latency between submission and a terminal transaction outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"call"}),
			correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "correlations_total",
				Help:      "Count of creation-event correlations segmented by outcome.",
			}, []string{"outcome"}),
			correlationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "correlation_seconds",
				Help:      "Latency between subscribing for a creation event and resolving it.",
				Buckets:   prometheus.DefBuckets,
			}),
			openSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "open_subscriptions",
				Help:      "Number of event subscriptions currently held by correlators.",
			}),
			programs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "programs_total",
				Help:      "Count of processed program specs segmented by failure kind (ok on success).",
			}, []string{"result"}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "omni",
				Subsystem: "deployer",
				Name:      "runs_total",
				Help:      "Count of bootstrap runs segmented by aggregate status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			deployerRegistry.transactions,
			deployerRegistry.confirmLatency,
			deployerRegistry.correlations,
			deployerRegistry.correlationLatency,
			deployerRegistry.openSubscriptions,
			deployerRegistry.programs,
			deployerRegistry.runs,
		)
	})
	return deployerRegistry
}

// ObserveTransaction records a terminal transaction outcome.
func (m *DeployerMetrics) ObserveTransaction(call, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	call = label(call)
	m.transactions.WithLabelValues(call, label(outcome)).Inc()
	m.confirmLatency.WithLabelValues(call).Observe(d.Seconds())
}

// ObserveCorrelation records how a creation-event wait ended.
func (m *DeployerMetrics) ObserveCorrelation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.correlations.WithLabelValues(label(outcome)).Inc()
	if d > 0 {
		m.correlationLatency.Observe(d.Seconds())
	}
}

// SubscriptionOpened increments the open subscription gauge.
func (m *DeployerMetrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.openSubscriptions.Inc()
}

// SubscriptionClosed decrements the open subscription gauge.
func (m *DeployerMetrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.openSubscriptions.Dec()
}

// RecordProgram counts a processed program spec.
func (m *DeployerMetrics) RecordProgram(result string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(result) == "" {
		result = "ok"
	}
	m.programs.WithLabelValues(result).Inc()
}

// RecordRun counts a finished run.
func (m *DeployerMetrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(label(status)).Inc()
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
