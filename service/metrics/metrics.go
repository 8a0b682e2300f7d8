// Package metrics defines the Prometheus collectors shared by the session
// store, the registry and the background worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskstream"

// Metrics holds all collectors; a nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsCreated    *prometheus.CounterVec
	SessionsTerminated *prometheus.CounterVec
	Pushes             *prometheus.CounterVec
	Polls              *prometheus.CounterVec
	AgentIterations    prometheus.Histogram
	Connections        prometheus.Gauge
}

// New creates collectors and registers them with reg (when not nil)
func New(reg prometheus.Registerer) *Metrics {
	ret := &Metrics{
		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Number of sessions created.",
		}, []string{"workflow"}),
		SessionsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Number of sessions that reached a terminal status.",
		}, []string{"status"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Events pushed to connection sinks by outcome.",
		}, []string{"outcome"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_polls_total",
			Help:      "Provider status checks by reported status.",
		}, []string{"status"}),
		AgentIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_iterations",
			Help:      "Iterations used by finished agent runs.",
			Buckets:   []float64{1, 2, 5, 10, 20, 35, 50},
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered connection sinks.",
		}),
	}
	if reg != nil {
		reg.MustRegister(ret.SessionsCreated, ret.SessionsTerminated, ret.Pushes, ret.Polls, ret.AgentIterations, ret.Connections)
	}
	return ret
}

// SessionCreated records a created session
func (m *Metrics) SessionCreated(workflowID string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(workflowID).Inc()
}

// SessionTerminated records a terminal transition
func (m *Metrics) SessionTerminated(status string) {
	if m == nil {
		return
	}
	m.SessionsTerminated.WithLabelValues(status).Inc()
}

// Push records a push outcome: delivered, dropped or failed
func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(outcome).Inc()
}

// Poll records a provider status check
func (m *Metrics) Poll(status string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(status).Inc()
}

// Iterations records iterations used by an agent run
func (m *Metrics) Iterations(n int) {
	if m == nil {
		return
	}
	m.AgentIterations.Observe(float64(n))
}

// SetConnections records the registry size
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}
