package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the relay service.
//
// Naming convention: namespace_subsystem_name
// - namespace: relay (application-level grouping)
// - subsystem: websocket, room, identify, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, queue depth)
// - Counter: Cumulative events (frames routed, frames dropped)
// - Histogram: Latency distributions (identify duration)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomClients tracks the number of clients per room by role
	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of clients in each room by role",
	}, []string{"session_id", "role"})

	// FramesRouted counts frames accepted and fanned out, labelled by type and origin
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "frames_routed_total",
		Help:      "Total frames accepted and fanned out",
	}, []string{"frame_type", "origin"})

	// FramesDropped counts frames rejected by validation
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "frames_dropped_total",
		Help:      "Total frames dropped by validation",
	}, []string{"reason"})

	// IdentifyQueueDepth tracks outstanding identify jobs
	IdentifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "identify",
		Name:      "queue_depth",
		Help:      "Outstanding identify jobs",
	})

	// IdentifyDuration tracks recognition latency
	IdentifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "identify",
		Name:      "duration_seconds",
		Help:      "Time spent recognizing one audio clip",
		Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30},
	})

	// IdentifyRejected counts submits refused with overload
	IdentifyRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "identify",
		Name:      "rejected_total",
		Help:      "Identify submissions refused due to back-pressure",
	})

	// RateLimitExceeded counts requests rejected by rate limiting
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected due to rate limiting",
	}, []string{"prefix"})

	// CircuitBreakerState tracks the Redis circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls short-circuited by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls dropped because the circuit breaker was open",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
