package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Peer metrics
	PeersConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayhub_peers_connected",
			Help: "Currently connected peers",
		},
		[]string{"role"},
	)

	HandshakesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_handshakes_rejected_total",
			Help: "Handshakes destroyed before acknowledgment",
		},
		[]string{"reason"}, // "role" or "token"
	)

	PeersRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_peers_removed_total",
			Help: "Peers removed from a registry",
		},
		[]string{"role", "reason"},
	)

	// Message metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_messages_relayed_total",
			Help: "Inbound envelopes fanned out to the opposite registry",
		},
		[]string{"from_role"},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhub_messages_delivered_total",
			Help: "Envelopes queued to individual peers",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_messages_dropped_total",
			Help: "Inbound frames dropped without relay",
		},
		[]string{"reason"}, // "malformed", "missing_type", "reserved"
	)

	HeartbeatDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayhub_heartbeat_sweep_seconds",
			Help:    "Time spent in one heartbeat sweep",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayhub_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Presence sink metrics
	PresenceSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhub_presence_sink_errors_total",
			Help: "Presence events a sink failed to record",
		},
		[]string{"sink"},
	)

	PresenceEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhub_presence_events_dropped_total",
			Help: "Presence events dropped because the dispatch queue was full",
		},
	)
)
