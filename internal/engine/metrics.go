package engine

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

const metricsNamespace = "finflow"

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	InstancesStarted *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ResumesRejected  *prometheus.CounterVec
	SuspendedCurrent *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.InstancesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "instances_started_total",
		Help:      "Pipeline instances started.",
	}, []string{"pipeline"})

	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "instance_transitions_total",
		Help:      "Instance status transitions.",
	}, []string{"pipeline", "from", "to"})

	m.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "stage_duration_seconds",
		Help:      "Stage execution time by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pipeline", "stage", "outcome"})

	m.ResumesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "resumes_rejected_total",
		Help:      "Resume requests rejected before any stage ran.",
	}, []string{"code"})

	m.SuspendedCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "instances_suspended",
		Help:      "Instances suspended by this process and not yet resumed or expired.",
	}, []string{"pipeline"})

	reg.MustRegister(m.InstancesStarted, m.Transitions, m.StageDuration, m.ResumesRejected, m.SuspendedCurrent)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Registry exposes the registry so other components can add collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePool exports a worker pool's active count and size.
func (m *Metrics) ObservePool(name string, p *WorkerPool) {
	labels := prometheus.Labels{"pool": name}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "worker_pool_active",
			Help:        "Tasks currently running in a worker pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Metrics().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "worker_pool_size",
			Help:        "Maximum concurrent tasks of a worker pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Size()) }),
	)
}

// HubStats is the part of an event hub exported as metrics.
// Satisfied by *streaming.MemoryHub.
type HubStats interface {
	Subscribers() int
	Dropped() uint64
}

// ObserveHub exports the live subscriptions and dropped deliveries of h.
func (m *Metrics) ObserveHub(h HubStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stream_subscribers",
			Help:      "Live event stream subscriptions.",
		}, func() float64 { return float64(h.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_dropped_total",
			Help:      "Events not delivered because a subscriber was full.",
		}, func() float64 { return float64(h.Dropped()) }),
	)
}

// hook returns an FSM after-hook that counts every transition.
func (m *Metrics) hook() TransitionHook {
	return func(_ context.Context, inst *store.Instance, from, to schema.InstanceStatus) error {
		m.Transitions.WithLabelValues(inst.Pipeline, displayStatus(from), string(to)).Inc()
		switch {
		case to == schema.InstanceStatusSuspended:
			m.SuspendedCurrent.WithLabelValues(inst.Pipeline).Inc()
		case from == schema.InstanceStatusSuspended:
			m.SuspendedCurrent.WithLabelValues(inst.Pipeline).Dec()
		}
		return nil
	}
}
