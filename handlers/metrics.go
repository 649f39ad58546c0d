package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts authentication outcomes.
type Metrics struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	sessions *prometheus.CounterVec
}

// NewMetrics registers the counters on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accounts",
			Name:      "auth_attempts_total",
			Help:      "Login, signup and link attempts by method and outcome code.",
		}, []string{"method", "operation", "outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accounts",
			Name:      "session_events_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(m.attempts, m.sessions)
	return m
}

func (m *Metrics) attempt(method, operation, outcome string) {
	m.attempts.WithLabelValues(method, operation, outcome).Inc()
}

func (m *Metrics) session(event string) {
	m.sessions.WithLabelValues(event).Inc()
}

// Registry exposes the registry, e.g. for tests or to add collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
