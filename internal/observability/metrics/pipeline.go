package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics tracks lifecycle operations and the retry/breaker activity
// of their dependencies. It satisfies resilience.Observer.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	operationTotal    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationInFlight *prometheus.GaugeVec
	retryAttempts     *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	queueLag          *prometheus.HistogramVec
}

// NewPipelineMetrics registers on registry, or on a fresh one when nil.
func NewPipelineMetrics(service string, registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	operationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docvault",
			Subsystem: "pipeline",
			Name:      "operations_total",
			Help:      "Total document pipeline operations by outcome.",
		},
		[]string{"service", "operation", "status"},
	)
	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docvault",
			Subsystem: "pipeline",
			Name:      "operation_duration_seconds",
			Help:      "Document pipeline operation duration in seconds by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "operation", "status"},
	)
	operationInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docvault",
			Subsystem: "pipeline",
			Name:      "operations_in_flight",
			Help:      "Number of in-flight document pipeline operations.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"operation"},
	)
	retryAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docvault",
			Subsystem: "resilience",
			Name:      "retry_attempts_total",
			Help:      "Total calls made to a guarded dependency, first attempts included.",
		},
		[]string{"service", "dependency"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docvault",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service", "dependency"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docvault",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between extraction being queued and the worker picking it up.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(operationTotal, operationDuration, operationInFlight, retryAttempts, breakerState, queueLag)

	return &PipelineMetrics{
		registry:          registry,
		service:           service,
		operationTotal:    operationTotal,
		operationDuration: operationDuration,
		operationInFlight: operationInFlight,
		retryAttempts:     retryAttempts,
		breakerState:      breakerState,
		queueLag:          queueLag,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Track marks operation as started; the returned func records its outcome.
func (m *PipelineMetrics) Track(operation string) func(err error) {
	start := time.Now()
	m.operationInFlight.WithLabelValues(operation).Inc()
	return func(err error) {
		m.FinishOperation(operation, time.Since(start), err)
	}
}

func (m *PipelineMetrics) FinishOperation(operation string, duration time.Duration, err error) {
	m.operationInFlight.WithLabelValues(operation).Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationTotal.WithLabelValues(m.service, operation, status).Inc()
	m.operationDuration.WithLabelValues(m.service, operation, status).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

func (m *PipelineMetrics) RetryAttempt(dependency string, _ int) {
	m.retryAttempts.WithLabelValues(m.service, dependency).Inc()
}

func (m *PipelineMetrics) BreakerStateChanged(dependency string, _, to string) {
	m.breakerState.WithLabelValues(m.service, dependency).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
