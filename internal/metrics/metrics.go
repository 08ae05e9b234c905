// Package metrics registers the small Prometheus surface veilstratum
// actually produces, grounded on pool/metrics/metrics.go's namespaced
// registry-and-typed-fields construction but trimmed to this proxy's
// domain: it has no payouts, shares-validated-by-us, or database to report
// on, since share validation and persistence are the node's job, not
// this proxy's.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements stratum.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	longPollLatency *prometheus.HistogramVec
	subscribers     *prometheus.GaugeVec
	submissions     *prometheus.CounterVec
	jobHeight       *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec
}

// New builds a Metrics registry under namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		longPollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "longpoll_latency_seconds",
			Help:      "Latency of getblocktemplate long-poll requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"dialect"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of connected client sessions subscribed to a dialect's job feed.",
		}, []string{"dialect"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Share submissions forwarded to the node.",
		}, []string{"dialect", "result"}),
		jobHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_height",
			Help:      "Block height of the most recently cached job.",
		}, []string{"dialect"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Observed node circuit state (0=closed, 1=half-open, 2=open).",
		}, []string{"dialect"}),
	}

	registry.MustRegister(
		m.longPollLatency,
		m.subscribers,
		m.submissions,
		m.jobHeight,
		m.circuitState,
	)
	return m
}

func (m *Metrics) ObserveLongPollLatency(dialect string, seconds float64) {
	m.longPollLatency.WithLabelValues(dialect).Observe(seconds)
}

func (m *Metrics) SetSubscriberCount(dialect string, n int) {
	m.subscribers.WithLabelValues(dialect).Set(float64(n))
}

func (m *Metrics) IncSubmission(dialect string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.submissions.WithLabelValues(dialect, result).Inc()
}

func (m *Metrics) SetJobHeight(dialect string, height int64) {
	m.jobHeight.WithLabelValues(dialect).Set(float64(height))
}

func (m *Metrics) SetCircuitState(dialect string, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.circuitState.WithLabelValues(dialect).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
