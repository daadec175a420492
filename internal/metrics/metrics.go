// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recdeploy"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	terminal      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	costUSD       *prometheus.CounterVec
	inflight      prometheus.Gauge
	approvals     *prometheus.CounterVec
}

// New registers the pipeline collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Deployment records entering each stage.",
		}, []string{"stage"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by terminal status and failure kind.",
		}, []string{"status", "kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent producing each stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8), // 100ms to ~27m
		}, []string{"stage"}),
		costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Code-generation spend in USD.",
		}, []string{"stage"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Recommendations currently held by a worker.",
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Operator decisions on gated runs.",
		}, []string{"decision"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.terminal,
		m.stageDuration,
		m.costUSD,
		m.inflight,
		m.approvals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Transition counts entry into stage and observes how long it took.
func (m *Metrics) Transition(stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(stage).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

// Finished counts a run reaching a terminal status. kind is empty on success.
func (m *Metrics) Finished(status, kind string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(status, kind).Inc()
}

// Cost adds settled spend.
func (m *Metrics) Cost(stage string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.costUSD.WithLabelValues(stage).Add(usd)
}

// Started marks a run as held by a worker; the returned func releases it.
func (m *Metrics) Started() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}

// Decision counts an operator decision.
func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}
