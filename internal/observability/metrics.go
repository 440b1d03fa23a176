package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the agent loop:
//   - LLM request performance and token consumption
//   - Tool execution patterns and latencies
//   - Turn counts and control-plane activity (steering, aborts)
//   - Compaction frequency
//
// All recording methods are nil-safe so instrumentation can be disabled by
// leaving the metrics unset.
type Metrics struct {
	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|blocked)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnCounter counts agent turns.
	TurnCounter prometheus.Counter

	// SteeringCounter counts steering messages consumed mid-run.
	SteeringCounter prometheus.Counter

	// AbortCounter counts aborted runs.
	AbortCounter prometheus.Counter

	// CompactionCounter counts context compactions.
	CompactionCounter prometheus.Counter
}

// NewMetrics creates and registers the agent metrics. A nil registerer uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_llm_request_duration_seconds",
			Help:    "LLM API call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_llm_requests_total",
			Help: "Total LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_llm_tokens_total",
			Help: "Total tokens consumed by provider, model, and type.",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_executions_total",
			Help: "Total tool executions by tool and status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_tool_execution_duration_seconds",
			Help:    "Tool execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		TurnCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_turns_total",
			Help: "Total agent turns executed.",
		}),

		SteeringCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_steering_messages_total",
			Help: "Total steering messages consumed mid-run.",
		}),

		AbortCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_aborts_total",
			Help: "Total aborted agent runs.",
		}),

		CompactionCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_compactions_total",
			Help: "Total context compactions.",
		}),
	}
}

// ObserveLLMRequest records one LLM call.
func (m *Metrics) ObserveLLMRequest(provider, model string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// ObserveTokens records token usage for one LLM call.
func (m *Metrics) ObserveTokens(provider, model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
}

// ObserveToolExecution records one tool dispatch.
func (m *Metrics) ObserveToolExecution(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// IncTurns records one agent turn.
func (m *Metrics) IncTurns() {
	if m == nil {
		return
	}
	m.TurnCounter.Inc()
}

// IncSteering records one consumed steering message.
func (m *Metrics) IncSteering() {
	if m == nil {
		return
	}
	m.SteeringCounter.Inc()
}

// IncAborts records one aborted run.
func (m *Metrics) IncAborts() {
	if m == nil {
		return
	}
	m.AbortCounter.Inc()
}

// IncCompactions records one context compaction.
func (m *Metrics) IncCompactions() {
	if m == nil {
		return
	}
	m.CompactionCounter.Inc()
}
