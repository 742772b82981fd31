package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket session metrics
var (
	// ConnectedSessions tracks the number of currently registered sessions.
	ConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connected_sessions",
			Help: "Number of currently registered WebSocket sessions",
		},
	)

	// TopicSubscriptions tracks the total number of (session, topic) memberships.
	TopicSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_topic_subscriptions",
			Help: "Total number of active topic subscriptions across all sessions",
		},
	)

	// MessageSendDuration tracks transport write latency in seconds.
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ws_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Broadcast metrics
var (
	// BroadcastMessagesTotal counts messages fanned out, by message type.
	BroadcastMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_messages_total",
			Help: "Broadcast messages delivered to session queues, by type",
		},
		[]string{"type"},
	)

	// BroadcastDroppedTotal counts per-session drops due to a full send queue.
	BroadcastDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Messages dropped because a session send queue was full",
		},
	)

	// SlowSessionsEvicted counts sessions evicted under the evict overflow policy.
	SlowSessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_slow_sessions_evicted_total",
			Help: "Sessions evicted after repeated send queue overflows",
		},
	)

	// DecodeErrorsTotal counts undecodable upstream payloads, by stream.
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_decode_errors_total",
			Help: "Upstream payloads discarded as undecodable, by stream",
		},
		[]string{"stream"},
	)
)

// Heartbeat metrics
var (
	// HeartbeatTimeoutsTotal counts sessions evicted for missing heartbeats.
	HeartbeatTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_timeouts_total",
			Help: "Sessions evicted after missing heartbeat deadlines",
		},
	)

	// HeartbeatProbesTotal counts liveness probes sent.
	HeartbeatProbesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_probes_total",
			Help: "Heartbeat probes sent to sessions",
		},
	)
)

// Upstream subscriber metrics
var (
	// PubSubMessagesReceived counts upstream events received, by kind.
	PubSubMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_received_total",
			Help: "Upstream pub/sub events received, by kind (data/control)",
		},
		[]string{"kind"},
	)

	// SubscriberRunning reports whether the upstream subscriber loop is active.
	SubscriberRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_subscriber_running",
			Help: "Whether the upstream subscriber loop is running (0/1)",
		},
	)

	// SubscriberReconnectsTotal counts upstream resubscribe attempts.
	SubscriberReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_subscriber_reconnects_total",
			Help: "Upstream resubscribe attempts after connection loss",
		},
	)
)
