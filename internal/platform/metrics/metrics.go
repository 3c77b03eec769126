// Package metrics owns the Prometheus collectors shared by the daemon's
// services. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chorus"

type Metrics struct {
	registry *prometheus.Registry

	connections      *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	authRequests     *prometheus.CounterVec
	commandsApplied  *prometheus.CounterVec
	commandsRejected *prometheus.CounterVec
	gapFills         *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections by transport and state.",
		}, []string{"transport", "state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		authRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_outcomes_total",
			Help:      "Access control outcomes by verdict and source.",
		}, []string{"verdict", "source"}),
		commandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_applied_total",
			Help:      "Commands applied to the collection view.",
		}, []string{"origin_kind"}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Commands rejected on receipt.",
		}, []string{"reason"}),
		gapFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_fill_total",
			Help:      "Gap-fill exchanges by direction and result.",
		}, []string{"direction", "result"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped before reaching a connection.",
		}, []string{"transport", "reason"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.transitions,
		m.authRequests,
		m.commandsApplied,
		m.commandsRejected,
		m.gapFills,
		m.framesDropped,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Transition(transport, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	if from != "" && !terminal(from) {
		m.connections.WithLabelValues(transport, from).Dec()
	}
	if to != "" && !terminal(to) {
		m.connections.WithLabelValues(transport, to).Inc()
	}
}

// Closed and failed connections leave the gauge.
func terminal(state string) bool {
	return state == "closed" || state == "failed"
}

func (m *Metrics) Authorization(verdict, source string) {
	if m == nil {
		return
	}
	m.authRequests.WithLabelValues(verdict, source).Inc()
}

func (m *Metrics) CommandApplied(local bool) {
	if m == nil {
		return
	}
	kind := "remote"
	if local {
		kind = "local"
	}
	m.commandsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) CommandRejected(reason string) {
	if m == nil {
		return
	}
	m.commandsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) GapFill(direction, result string) {
	if m == nil {
		return
	}
	m.gapFills.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) FrameDropped(transport, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(transport, reason).Inc()
}
