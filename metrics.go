package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsRouted       *prometheus.CounterVec
	Reconnects         prometheus.Counter
	ConnectionFailures prometheus.Counter
	Reconciled         prometheus.Counter
	OptimisticFailed   prometheus.Counter
	PagesMerged        prometheus.Counter
	StalePagesDropped  prometheus.Counter
	OutboundCommands   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Pass nil to
// create unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_routed_total",
			Help:      "Inbound events dispatched by the router, by type and scope.",
		}, []string{"type", "scope"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made after a transport drop.",
		}),
		ConnectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connection_failures_total",
			Help:      "Times the reconnect budget was exhausted.",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "optimistic_reconciled_total",
			Help:      "Optimistic entries replaced by their confirmed copy.",
		}),
		OptimisticFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "optimistic_failed_total",
			Help:      "Optimistic entries marked failed.",
		}),
		PagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_pages_merged_total",
			Help:      "History pages merged into the timeline.",
		}),
		StalePagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_pages_stale_total",
			Help:      "History responses discarded because the conversation changed.",
		}),
		OutboundCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "outbound_commands_total",
			Help:      "Commands written to the socket, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsRouted,
			m.Reconnects,
			m.ConnectionFailures,
			m.Reconciled,
			m.OptimisticFailed,
			m.PagesMerged,
			m.StalePagesDropped,
			m.OutboundCommands,
		)
	}
	return m
}

func (m *Metrics) eventRouted(eventType, scope string) {
	if m == nil {
		return
	}
	m.EventsRouted.WithLabelValues(eventType, scope).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) connectionFailed() {
	if m != nil {
		m.ConnectionFailures.Inc()
	}
}

func (m *Metrics) reconciled() {
	if m != nil {
		m.Reconciled.Inc()
	}
}

func (m *Metrics) optimisticFailed() {
	if m != nil {
		m.OptimisticFailed.Inc()
	}
}

func (m *Metrics) pageMerged() {
	if m != nil {
		m.PagesMerged.Inc()
	}
}

func (m *Metrics) stalePage() {
	if m != nil {
		m.StalePagesDropped.Inc()
	}
}

func (m *Metrics) outbound(cmd string) {
	if m == nil {
		return
	}
	m.OutboundCommands.WithLabelValues(cmd).Inc()
}
