// Package observability provides Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrouter_turns_total",
			Help: "Total number of chat turns processed",
		},
		[]string{"intent", "stage", "status"}, // status: success, degraded, cancelled
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrouter_turn_duration_seconds",
			Help:    "Chat turn duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"intent"},
	)
)

// =============================================================================
// NODE METRICS
// =============================================================================

var (
	nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrouter_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node", "status"}, // status: success, error
	)

	nodeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrouter_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"node"},
	)

	routeDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrouter_route_drops_total",
			Help: "Nodes removed from a routed sequence",
		},
		[]string{"node", "reason"}, // reason: stage, consent, no_statement
	)
)

// =============================================================================
// CLASSIFICATION METRICS
// =============================================================================

var classificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "finrouter_classifications_total",
		Help: "Intent classifications by method",
	},
	[]string{"method", "intent"}, // method: keyword, llm, fallback
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrouter_llm_calls_total",
			Help: "Total number of LLM completion calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error, timeout
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrouter_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrouter_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrouter_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrouter_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrouter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTurn records one completed chat turn.
func RecordTurn(intent, stage, status string, durationMS int) {
	turnsTotal.WithLabelValues(intent, stage, status).Inc()
	turnDurationSeconds.WithLabelValues(intent).Observe(float64(durationMS) / 1000.0)
}

// RecordNodeExecution records a node run.
func RecordNodeExecution(node, status string, durationMS int) {
	nodeExecutionsTotal.WithLabelValues(node, status).Inc()
	nodeDurationSeconds.WithLabelValues(node).Observe(float64(durationMS) / 1000.0)
}

// RecordRouteDrop records a node removed from a sequence by the router.
func RecordRouteDrop(node, reason string) {
	routeDropsTotal.WithLabelValues(node, reason).Inc()
}

// RecordClassification records which classifier path produced an intent.
func RecordClassification(method, intent string) {
	classificationsTotal.WithLabelValues(method, intent).Inc()
}

// RecordLLMCall records LLM call metrics.
func RecordLLMCall(provider, model, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordGRPCRequest records gRPC request metrics from interceptors.
func RecordGRPCRequest(method, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordHTTPRequest records HTTP request metrics. route is the chi route
// pattern, not the raw path.
func RecordHTTPRequest(route, method, code string, durationMS int) {
	httpRequestsTotal.WithLabelValues(route, method, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}
