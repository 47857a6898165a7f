// Package metrics exposes Prometheus collectors for the task loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskloop"

// Metrics groups every collector. Each instance owns its registry so tests
// and multiple servers in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	BatchesCreated       prometheus.Counter
	StaleBatchRetries    prometheus.Counter
	ValidationRejections *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	Dispatches           *prometheus.CounterVec
	Completions          *prometheus.CounterVec
	AgentDuration        *prometheus.HistogramVec
	Retries              prometheus.Counter
	RetryLimitExceeded   prometheus.Counter
	ProtocolViolations   prometheus.Counter
	Timeouts             prometheus.Counter
	TasksByState         *prometheus.GaugeVec
}

// New creates a fresh registry with process collectors and all task loop
// metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BatchesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Task batches persisted.",
		}),
		StaleBatchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_batch_retries_total",
			Help:      "Batches re-resolved because persisted state changed before commit.",
		}),
		ValidationRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Batch violations by kind.",
		}, []string{"kind"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed task state transitions.",
		}, []string{"from", "to"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Tasks handed to a runtime.",
		}, []string{"runtime"}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Finished dispatches by outcome.",
		}, []string{"outcome"}),
		AgentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Wall time of one agent execution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"runtime"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correctness_retries_total",
			Help:      "Fail verdicts that reopened their targets.",
		}),
		RetryLimitExceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_limit_exceeded_total",
			Help:      "Critiques that exhausted their retry budget.",
		}),
		ProtocolViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Fail verdicts rejected because a target was not terminal.",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Running tasks failed by the timeout sweep.",
		}),
		TasksByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks per state at the last board refresh.",
		}, []string{"state"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
