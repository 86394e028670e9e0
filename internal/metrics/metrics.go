// Package metrics declares the process's Prometheus instrumentation, kept
// close to the business logic it measures.
//
// Naming convention: namespace_subsystem_name
//   - namespace: experimentd
//   - subsystem: websocket, waitroom, game, peer, circuit_breaker, rate_limit, redis
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "experimentd",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "experimentd",
		Subsystem: "game",
		Name:      "games_active",
		Help:      "Current number of active games",
	})

	WaitingRoomSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "experimentd",
		Subsystem: "waitroom",
		Name:      "entries",
		Help:      "Number of participants currently waiting, per scene",
	}, []string{"scene_id"})

	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experimentd",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"opcode", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "experimentd",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a single inbound message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"opcode"})

	MatchesFormed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experimentd",
		Subsystem: "waitroom",
		Name:      "matches_formed_total",
		Help:      "Total player groups formed by the matchmaker",
	}, []string{"scene_id"})

	GamesTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experimentd",
		Subsystem: "game",
		Name:      "terminated_total",
		Help:      "Total games terminated, by reason",
	}, []string{"scene_id", "reason"})

	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "experimentd",
		Subsystem: "game",
		Name:      "tick_duration_seconds",
		Help:      "Time spent advancing one game tick",
		Buckets:   prometheus.DefBuckets,
	}, []string{"scene_id"})

	DesyncDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experimentd",
		Subsystem: "peer",
		Name:      "desync_detected_total",
		Help:      "Total state-hash mismatches detected between peers",
	}, []string{"scene_id"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "experimentd",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experimentd",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "experimentd",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})
)

func IncConnection() { ActiveWebSocketConnections.Inc() }
func DecConnection() { ActiveWebSocketConnections.Dec() }
