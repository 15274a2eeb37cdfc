package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// Metrics collects the runtime's Prometheus metrics.
//
// It tracks:
//   - Executions by outcome, their latency and how many are in flight
//   - Model calls and token consumption
//   - Tool execution counts and latencies
//   - Guard rejections and hook failures
//
// Metrics satisfies guard.Observer and hooks.FailureObserver so it can be
// attached directly to the pipelines and the hook executor.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordToolExecution("web_search", 250*time.Millisecond, true)
type Metrics struct {
	// Executions counts finished executions.
	// Labels: status (success|failure), error_kind
	Executions *prometheus.CounterVec

	// ExecutionDuration measures wall-clock execution time in seconds.
	// Labels: status
	ExecutionDuration *prometheus.HistogramVec

	// Inflight is the number of executions currently admitted.
	Inflight prometheus.Gauge

	// ModelCalls counts model calls.
	// Labels: provider, status (success|error)
	ModelCalls *prometheus.CounterVec

	// ModelCallDuration measures model call latency in seconds.
	// Labels: provider
	ModelCallDuration *prometheus.HistogramVec

	// Tokens counts tokens.
	// Labels: type (prompt|completion)
	Tokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// GuardRejections counts guard pipeline rejections.
	// Labels: direction (input|output), stage, category
	GuardRejections *prometheus.CounterVec

	// HookFailures counts hook callbacks that errored or panicked.
	// Labels: point, hook
	HookFailures *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_executions_total",
				Help: "Total number of executions by status and error kind",
			},
			[]string{"status", "error_kind"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_execution_duration_seconds",
				Help:    "Duration of executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		Inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentrt_inflight_executions",
				Help: "Number of executions currently running",
			},
		),

		ModelCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_model_calls_total",
				Help: "Total number of model calls by provider and status",
			},
			[]string{"provider", "status"},
		),

		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_model_call_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_tokens_total",
				Help: "Total number of tokens used by type",
			},
			[]string{"type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		GuardRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_guard_rejections_total",
				Help: "Total number of guard rejections by direction, stage and category",
			},
			[]string{"direction", "stage", "category"},
		),

		HookFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_hook_failures_total",
				Help: "Total number of failed hook callbacks by point and hook",
			},
			[]string{"point", "hook"},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// ExecutionStarted increments the in-flight gauge.
func (m *Metrics) ExecutionStarted() {
	m.Inflight.Inc()
}

// ExecutionFinished decrements the in-flight gauge and records the outcome.
func (m *Metrics) ExecutionFinished(result *models.ExecutionResult) {
	m.Inflight.Dec()
	if result == nil {
		return
	}
	st := "success"
	if !result.Success {
		st = "failure"
	}
	m.Executions.WithLabelValues(st, result.ErrorKind).Inc()
	m.ExecutionDuration.WithLabelValues(st).Observe(result.Duration.Seconds())
}

// RecordModelCall records one model call and the tokens it used.
//
// Example:
//
//	start := time.Now()
//	resp, err := model.Complete(ctx, req)
//	metrics.RecordModelCall("anthropic", time.Since(start), resp.Usage, err)
func (m *Metrics) RecordModelCall(provider string, d time.Duration, usage models.Usage, err error) {
	m.ModelCalls.WithLabelValues(provider, status(err == nil)).Inc()
	m.ModelCallDuration.WithLabelValues(provider).Observe(d.Seconds())
	if usage.PromptTokens > 0 {
		m.Tokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.Tokens.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName string, d time.Duration, success bool) {
	m.ToolExecutions.WithLabelValues(toolName, status(success)).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// GuardRejected implements guard.Observer.
func (m *Metrics) GuardRejected(direction, stage string, category guard.Category) {
	m.GuardRejections.WithLabelValues(direction, stage, string(category)).Inc()
}

// HookFailed implements hooks.FailureObserver.
func (m *Metrics) HookFailed(point, hook string) {
	m.HookFailures.WithLabelValues(point, hook).Inc()
}
