package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turn throughput and duration, labeled by agent and outcome
//   - LLM call performance and token consumption
//   - Tool execution patterns and latencies
//   - Error rates categorized by component
//   - HTTP API request latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ObserveLLMCall("anthropic", "claude-sonnet-4-5", elapsed, in, out)
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: agent_id, outcome (completed|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	// Labels: outcome
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	TurnDuration *prometheus.HistogramVec

	// TurnSteps counts model-call steps per turn.
	// Buckets: 1..10
	TurnSteps prometheus.Histogram

	// LLMCallDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMCallDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, outcome (ok|error|abandoned)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component.
	// Labels: component (engine|store|provider|server), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveTurns is a gauge of turns currently running.
	ActiveTurns prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup; metrics register
// with the default registry and serve from the /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total number of turns by agent and outcome",
			},
			[]string{"agent_id", "outcome"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_turn_duration_seconds",
				Help:    "Duration of whole turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		TurnSteps: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_turn_steps",
				Help:    "Model-call steps taken per turn",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
		),

		LLMCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_call_duration_seconds",
				Help:    "Duration of LLM API calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveTurns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_turns",
				Help: "Number of turns currently running",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ObserveTurn records one finished turn.
func (m *Metrics) ObserveTurn(agentID, outcome string, steps int, d time.Duration) {
	m.TurnCounter.WithLabelValues(agentID, outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if steps > 0 {
		m.TurnSteps.Observe(float64(steps))
	}
}

// ObserveLLMCall records one model call.
func (m *Metrics) ObserveLLMCall(provider, model string, d time.Duration, promptTokens, completionTokens int) {
	m.LLMCallDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// ObserveToolExecution records one tool invocation outcome.
func (m *Metrics) ObserveToolExecution(tool, outcome string, d time.Duration) {
	m.ToolExecutionCounter.WithLabelValues(tool, outcome).Inc()
	if d > 0 {
		m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, d time.Duration) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(d.Seconds())
}
