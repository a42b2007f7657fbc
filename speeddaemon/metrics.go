package speeddaemon

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "speeddaemon"

// Client roles, used as the role label of connection metrics.
const (
	RoleUndetermined = "undetermined"
	RoleCamera       = "camera"
	RoleDispatcher   = "dispatcher"
)

// Metrics holds the collectors updated by the server and the Ticketmaster.
type Metrics struct {
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ProtocolErrorsTotal prometheus.Counter
	ObservationsTotal   prometheus.Counter
	TicketsIssuedTotal  prometheus.Counter
	TicketsDeduplicated prometheus.Counter
	TicketsPending      prometheus.Gauge
	HeartbeatsSentTotal prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of client connections by role, undetermined for those that never identified",
		}, []string{"role"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections",
		}),
		ProtocolErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of connections closed with an Error message",
		}),
		ObservationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "observations_total",
			Help:      "Total number of plate observations reported by cameras",
		}),
		TicketsIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tickets_issued_total",
			Help:      "Total number of tickets delivered to dispatchers",
		}),
		TicketsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tickets_deduplicated_total",
			Help:      "Total number of tickets discarded because the car was already ticketed that day",
		}),
		TicketsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tickets_pending",
			Help:      "Number of tickets waiting for a dispatcher",
		}),
		HeartbeatsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeats queued to clients",
		}),
	}
	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.ProtocolErrorsTotal,
		m.ObservationsTotal,
		m.TicketsIssuedTotal,
		m.TicketsDeduplicated,
		m.TicketsPending,
		m.HeartbeatsSentTotal,
	)
	return m
}
