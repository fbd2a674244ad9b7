package liveview

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the diagnostics counters of live views.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	queriesIssued     prometheus.Counter
	queriesRejected   prometheus.Counter
	staleMessages     prometheus.Counter
	malformedMessages prometheus.Counter
	unknownKinds      prometheus.Counter
	appliedMessages   *prometheus.CounterVec
	connectionLosses  prometheus.Counter
	rows              *prometheus.GaugeVec
}

// NewMetrics creates the live view metrics and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queriesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "queries_issued_total",
			Help:      "Queries issued against data sources.",
		}),
		queriesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "query_rejections_total",
			Help:      "Queries refused by data sources.",
		}),
		staleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "stale_messages_total",
			Help:      "Messages dropped because their epoch was superseded.",
		}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "malformed_messages_total",
			Help:      "Messages missing a required key.",
		}),
		unknownKinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "unknown_message_kinds_total",
			Help:      "Messages with an unrecognized command treated as upserts.",
		}),
		appliedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "applied_messages_total",
			Help:      "Messages applied to a view, by kind.",
		}, []string{"kind"}),
		connectionLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveview",
			Name:      "connection_losses_total",
			Help:      "Connectivity losses observed by connection monitors.",
		}),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "liveview",
			Name:      "rows",
			Help:      "Rows currently visible in a view.",
		}, []string{"view"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.queriesIssued,
			m.queriesRejected,
			m.staleMessages,
			m.malformedMessages,
			m.unknownKinds,
			m.appliedMessages,
			m.connectionLosses,
			m.rows,
		)
	}
	return m
}

func (m *Metrics) queryIssued() {
	if m != nil {
		m.queriesIssued.Inc()
	}
}

func (m *Metrics) queryRejected() {
	if m != nil {
		m.queriesRejected.Inc()
	}
}

func (m *Metrics) staleMessage() {
	if m != nil {
		m.staleMessages.Inc()
	}
}

func (m *Metrics) malformedMessage() {
	if m != nil {
		m.malformedMessages.Inc()
	}
}

// UnknownKind records a message whose command was not recognized.
// Transports call it when ParseMessageKind reports known=false and the
// Reconciler when a message carries a kind outside the enum.
func (m *Metrics) UnknownKind() {
	if m != nil {
		m.unknownKinds.Inc()
	}
}

func (m *Metrics) applied(kind MessageKind) {
	if m != nil {
		m.appliedMessages.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) connectionLost() {
	if m != nil {
		m.connectionLosses.Inc()
	}
}

func (m *Metrics) setRows(view string, n int) {
	if m != nil {
		m.rows.WithLabelValues(view).Set(float64(n))
	}
}
