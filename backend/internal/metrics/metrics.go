// Package metrics holds the Prometheus collectors shared by the session
// client, the canvas sync, and the relay server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. Components take a *Metrics and fall back to
// an unregistered set when nil is passed, so counters always work.
type Metrics struct {
	// 客户端连接
	ReconnectAttempts prometheus.Counter
	ConnectionsLost   prometheus.Counter
	ConnectionsOpened prometheus.Counter
	SendDropped       *prometheus.CounterVec
	InboundMalformed  prometheus.Counter
	EnvelopesIn       *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec

	// 画布同步
	SnapshotsCommitted prometheus.Counter
	PersistFailures    prometheus.Counter
	RemoteApplied      *prometheus.CounterVec
	EchoesDropped      prometheus.Counter

	// 中继
	RelayConnections prometheus.Gauge
	RelayEnvelopes   *prometheus.CounterVec
	RelayRateLimited prometheus.Counter
	RelayQueueDrops  prometheus.Counter
	KafkaDropped     prometheus.Counter
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_ws_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after a non-clean close",
		}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_ws_connections_lost_total",
			Help: "Connections that exhausted their reconnect budget",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_ws_connections_opened_total",
			Help: "Successful socket opens, including reconnects",
		}),
		SendDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_ws_send_dropped_total",
			Help: "Outbound envelopes dropped because the socket was not open",
		}, []string{"topic"}),
		InboundMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_ws_inbound_malformed_total",
			Help: "Inbound frames that could not be decoded as an envelope",
		}),
		EnvelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_ws_envelopes_received_total",
			Help: "Inbound envelopes by topic",
		}, []string{"topic"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_ws_handler_failures_total",
			Help: "Subscriber handlers that returned an error or panicked",
		}, []string{"topic"}),

		SnapshotsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_canvas_snapshots_committed_total",
			Help: "Debounced canvas snapshots broadcast to the session",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_canvas_persist_failures_total",
			Help: "Canvas snapshots that failed to persist to history storage",
		}),
		RemoteApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_canvas_remote_applied_total",
			Help: "Remote canvas operations applied locally",
		}, []string{"operation_type"}),
		EchoesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_canvas_echoes_dropped_total",
			Help: "Canvas operations ignored because they came from the local user",
		}),

		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_relay_connections",
			Help: "Open relay websocket connections",
		}),
		RelayEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_relay_envelopes_total",
			Help: "Envelopes handled by the relay by type",
		}, []string{"type"}),
		RelayRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_relay_rate_limited_total",
			Help: "Inbound envelopes discarded by the per-connection rate limit",
		}),
		RelayQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_relay_queue_drops_total",
			Help: "Outbound relay messages dropped because a connection queue was full",
		}),
		KafkaDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_relay_kafka_dropped_total",
			Help: "Canvas op events dropped after exhausting kafka retries",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReconnectAttempts, m.ConnectionsLost, m.ConnectionsOpened, m.SendDropped,
			m.InboundMalformed, m.EnvelopesIn, m.HandlerFailures,
			m.SnapshotsCommitted, m.PersistFailures, m.RemoteApplied, m.EchoesDropped,
			m.RelayConnections, m.RelayEnvelopes, m.RelayRateLimited, m.RelayQueueDrops,
			m.KafkaDropped,
		)
	}
	return m
}

// OrNew returns m, or an unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
