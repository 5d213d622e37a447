package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketchat"

// Client holds the instruments of a messaging client session.
type Client struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  *prometheus.GaugeVec
	QueueDepth        prometheus.Gauge
}

// NewClient creates the client instruments and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewClient(reg prometheus.Registerer) *Client {
	m := &Client{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_sent_total",
			Help:      "Frames written to the connection, by frame type.",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Frames read from the connection, by frame type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded as malformed, by reason.",
		}, []string{"reason"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts scheduled.",
		}),
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 for the others.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "outbox_depth",
			Help:      "Messages waiting in the outbound queue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesSent,
			m.FramesReceived,
			m.FramesDropped,
			m.ReconnectAttempts,
			m.ConnectionStatus,
			m.QueueDepth,
		)
	}
	return m
}

// Relay holds the instruments of the development relay server.
type Relay struct {
	Connections    prometheus.Gauge
	FramesRouted   *prometheus.CounterVec
	FramesRejected *prometheus.CounterVec
}

func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		FramesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_routed_total",
			Help:      "Frames accepted from clients, by frame type.",
		}, []string{"type"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Frames answered with an error frame, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.Connections, m.FramesRouted, m.FramesRejected)
	}
	return m
}
