package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Admission Metrics
var (
	// AdmissionDecisionsTotal tracks admission decisions by matched rule and result
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by rule prefix and result (allowed/denied/blocked/exempt)",
		},
		[]string{"rule", "result"},
	)

	// AdmissionTrackedClients tracks the number of client states held in memory
	AdmissionTrackedClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admission_tracked_clients",
			Help: "Client states currently tracked by an admission controller",
		},
		[]string{"controller"},
	)

	// AdmissionSweepEvictions tracks client states removed by the inactivity sweep
	AdmissionSweepEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_sweep_evictions_total",
			Help: "Client states evicted by the inactivity sweep",
		},
		[]string{"controller"},
	)
)

// Registry Metrics
var (
	// RegistryConnectionsCurrent tracks live connections held by this process
	RegistryConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_connections_current",
			Help: "Live connections held by the connection registry",
		},
	)

	// RegistryGroupMembers tracks group memberships by group kind
	RegistryGroupMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_group_members",
			Help: "Group memberships by group kind (global/location/team/admin)",
		},
		[]string{"kind"},
	)

	// RegistrySlowConsumersEvicted tracks connections dropped because their queue was full
	RegistrySlowConsumersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_slow_consumers_evicted_total",
			Help: "Connections disconnected because their outbound queue was full",
		},
	)

	// RegistryDeliveryFailures tracks sends that found no live connection
	RegistryDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_delivery_failures_total",
			Help: "Unicast sends that found no live connection",
		},
	)

	// RegistryPanicsTotal tracks registry actor panic recoveries
	RegistryPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_panics_total",
			Help: "Total registry panic recoveries",
		},
	)

	// RegistryCommandChannelDepth tracks current command channel depth
	RegistryCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_command_channel_depth",
			Help: "Current registry command channel depth",
		},
	)

	// RegistryBroadcastFanout tracks recipients per group broadcast
	RegistryBroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_broadcast_fanout",
			Help:    "Connections reached per group broadcast",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
)

// Broker Metrics
var (
	// BrokerPublishedTotal tracks publish attempts by result
	BrokerPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_published_total",
			Help: "Envelopes published to the broker by result (success/error)",
		},
		[]string{"result"},
	)

	// BrokerReceivedTotal tracks envelopes received from the broker
	BrokerReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_received_total",
			Help: "Envelopes received from the broker",
		},
	)

	// BrokerDecodeErrors tracks broker messages that were not valid envelopes
	BrokerDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_decode_errors_total",
			Help: "Broker messages that could not be decoded as envelopes",
		},
	)

	// BrokerActiveChannels tracks channels with at least one tracked subscriber
	BrokerActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_active_channels",
			Help: "Broker channels with at least one tracked subscriber",
		},
	)

	// BrokerHandlerPanics tracks recovered panics in subscription callbacks
	BrokerHandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_handler_panics_total",
			Help: "Recovered panics in broker subscription callbacks",
		},
	)

	// PubSubMessageLatency tracks time from pub/sub receive to callback completion
	PubSubMessageLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pubsub_message_latency_seconds",
			Help:    "Latency from pub/sub message receive to callback completion",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// PubSubReconnectionsTotal tracks pub/sub reconnection attempts
	PubSubReconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_reconnections_total",
			Help: "Total pub/sub reconnection attempts after disconnect",
		},
	)

	// PubSubSubscriptionActive tracks whether the pub/sub subscription is active (1) or disconnected (0)
	PubSubSubscriptionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_subscription_active",
			Help: "1 if pub/sub subscription is active, 0 if disconnected",
		},
	)
)

// Router Metrics
var (
	// RouterInboundMessages tracks inbound client messages by type and result
	RouterInboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_inbound_messages_total",
			Help: "Inbound client messages by type and result (ok/malformed/unknown/rate_limited/error)",
		},
		[]string{"type", "result"},
	)

	// RouterEventsEmitted tracks domain events emitted by kind
	RouterEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_events_emitted_total",
			Help: "Domain events emitted by kind",
		},
		[]string{"kind"},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected/auth_failed)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// WebSocketMessageSendDuration tracks WebSocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketIdleDisconnects tracks disconnects due to idle timeout
	WebSocketIdleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_idle_disconnects_total",
			Help: "Total WebSocket connections closed due to idle timeout (>5 minutes no activity)",
		},
	)

	// WebSocketFramesThrottled tracks inbound frames dropped by the per-connection limiter
	WebSocketFramesThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_frames_throttled_total",
			Help: "Inbound WebSocket frames rejected by the per-connection frame limiter",
		},
	)
)

// HTTP Metrics
var (
	// HTTPErrorsTotal tracks structured HTTP errors by type
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP errors returned by handlers, by error type",
		},
		[]string{"type"},
	)
)
