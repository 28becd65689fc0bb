package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consumer-side metrics, shared by every listener
	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_bus_messages_consumed_total",
			Help: "Total number of messages consumed from RabbitMQ, by queue",
		},
		[]string{"queue"},
	)

	rpcHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_rpc_handled_total",
			Help: "Total number of RPC requests handled, by result code",
		},
		[]string{"queue", "code"},
	)

	rpcHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_rpc_handler_duration_seconds",
			Help:    "RPC handler duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"queue"},
	)

	// Client-side RPC metrics
	rpcCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_rpc_calls_total",
			Help: "Total number of outbound RPC calls, by outcome",
		},
		[]string{"routing_key", "outcome"},
	)

	rpcCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_rpc_call_duration_seconds",
			Help:    "Outbound RPC round-trip duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"routing_key"},
	)

	// Retry / DLQ metrics
	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_listener_retries_total",
			Help: "Total number of messages sent back through a retry queue",
		},
		[]string{"queue"},
	)

	dlqMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_listener_dlq_total",
			Help: "Total number of messages parked in a DLQ",
		},
		[]string{"queue", "reason"},
	)

	// Gateway WS metrics
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_ws_connections_active",
			Help: "Number of registered WebSocket connections",
		},
	)

	wsOutboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_ws_outbound_total",
			Help: "Total number of frames pushed to WebSocket clients",
		},
		[]string{"kind"},
	)

	wsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_ws_closed_total",
			Help: "Total number of server-initiated WebSocket closes, by close code",
		},
		[]string{"code"},
	)

	// Auth metrics
	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_auth_login_attempts_total",
			Help: "Total number of login attempts, by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordBusConsumed records a message pulled off a queue
func RecordBusConsumed(queue string) {
	messagesConsumedTotal.WithLabelValues(queue).Inc()
}

// RecordRPCHandled records a finished RPC handler run
func RecordRPCHandled(queue, code string, duration time.Duration) {
	if code == "" {
		code = "ok"
	}
	rpcHandledTotal.WithLabelValues(queue, code).Inc()
	rpcHandlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordRPCCall records an outbound RPC round trip
func RecordRPCCall(routingKey, outcome string, duration time.Duration) {
	rpcCallsTotal.WithLabelValues(routingKey, outcome).Inc()
	rpcCallDuration.WithLabelValues(routingKey).Observe(duration.Seconds())
}

// RecordRetryAttempt records a message sent back through a retry queue
func RecordRetryAttempt(queue string) {
	retryAttemptsTotal.WithLabelValues(queue).Inc()
}

// RecordDLQMessage records a message parked in a DLQ
func RecordDLQMessage(queue, reason string) {
	dlqMessagesTotal.WithLabelValues(queue, reason).Inc()
}

// SetWSConnectionsActive sets the registered connection count
func SetWSConnectionsActive(count int) {
	wsConnectionsActive.Set(float64(count))
}

// RecordWSOutboundN adds n delivered frames (dispatch or broadcast fan-out)
func RecordWSOutboundN(kind string, n int) {
	if n > 0 {
		wsOutboundTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordWSClosed records a server-initiated close
func RecordWSClosed(code string) {
	wsClosedTotal.WithLabelValues(code).Inc()
}

// RecordLoginAttempt records a login attempt outcome (ok, invalid, banned, forbidden)
func RecordLoginAttempt(outcome string) {
	loginAttemptsTotal.WithLabelValues(outcome).Inc()
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
