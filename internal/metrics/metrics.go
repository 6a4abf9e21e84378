package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics for production monitoring
var (
	// HTTP surface metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responsegate_requests_total",
			Help: "Total number of downstream requests handled",
		},
		[]string{"endpoint", "mode", "status"}, // mode: stream/json
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "responsegate_request_duration_seconds",
			Help:    "Downstream request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3.4min
		},
		[]string{"endpoint", "mode"},
	)

	// Upstream metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responsegate_upstream_requests_total",
			Help: "Total number of upstream Responses API calls",
		},
		[]string{"mode", "status"},
	)

	UpstreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responsegate_upstream_events_total",
			Help: "Total number of upstream stream events consumed",
		},
		[]string{"type"},
	)

	// Translation metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responsegate_downstream_frames_total",
			Help: "Total number of SSE frames written to clients",
		},
		[]string{"type"},
	)

	BindingsMinted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responsegate_tool_bindings_minted_total",
			Help: "Total number of tool-id bindings minted",
		},
	)

	CorrelationMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responsegate_correlation_misses_total",
			Help: "Total number of tool results with no recorded binding (downstream id reused verbatim)",
		},
	)

	UnmatchedCallsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responsegate_unmatched_function_calls_dropped_total",
			Help: "Total number of function_call input items dropped for lacking a matching output",
		},
	)

	// Conversation store metrics
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responsegate_conversations_active",
			Help: "Current number of tracked conversations",
		},
	)

	ConversationsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responsegate_conversations_evicted_total",
			Help: "Total number of conversations evicted by the idle sweep",
		},
	)

	// Streaming session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responsegate_stream_sessions_active",
			Help: "Current number of in-flight streaming sessions",
		},
	)

	SessionDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responsegate_stream_disconnects_total",
			Help: "Total number of streaming sessions ended by client disconnect",
		},
	)

	// Event tap metrics
	TapConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responsegate_event_tap_connections",
			Help: "Current number of live event-tap WebSocket subscribers",
		},
	)
)
