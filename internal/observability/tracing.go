package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names emitted by the runtime.
const (
	SpanExecute     = "agent.execute"
	SpanModelCall   = "agent.model_call"
	SpanToolCall    = "agent.tool_call"
	SpanGuardPrefix = "guard."
)

// Tracer wraps an OpenTelemetry tracer with the spans the runtime emits:
// agent.execute for a whole execution, agent.model_call and agent.tool_call
// inside it, and guard.input / guard.output around the pipelines.
//
// Without an OTLP endpoint the tracer is a no-op. A nil *Tracer is also
// valid and produces non-recording spans.
//
//	tracer, shutdown := observability.NewTracer(cfg.Tracing)
//	defer shutdown(ctx)
//
//	ctx, span := tracer.TraceExecution(ctx, runID, callerID)
//	defer span.End()
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures span export.
type TraceConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	// Tracing is disabled when empty.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of executions traced, from 0 to 1.
	SamplingRate float64 `yaml:"sampling_rate"`

	// Attributes are extra resource attributes.
	Attributes map[string]string `yaml:"attributes"`

	// EnableInsecure disables TLS towards the collector.
	EnableInsecure bool `yaml:"insecure"`
}

// NewTracer creates a tracer and the shutdown function that flushes it.
// Exporter setup failures degrade to a no-op tracer; tracing never blocks
// executions.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "agentrt"
	}
	noopShutdown := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noopShutdown
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noopShutdown
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(config)),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(config.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)}, provider.Shutdown
}

func traceResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

// samplerFor maps a rate to a sampler. Zero means "unset" and samples
// everything, matching the config default.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

var noopTracer = noop.NewTracerProvider().Tracer("agentrt")

// Start opens a span named name.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noopTracer.Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// RecordError marks span as failed. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceExecution opens the root span of one execution.
func (t *Tracer) TraceExecution(ctx context.Context, runID, callerID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanExecute, trace.SpanKindInternal,
		attribute.String("agent.run_id", runID),
		attribute.String("agent.caller_id", callerID),
	)
}

// EndExecution annotates the execution span with its outcome. errorKind is
// empty on success.
func (t *Tracer) EndExecution(span trace.Span, errorKind string, totalTokens int, toolsUsed int) {
	span.SetAttributes(
		attribute.Bool("agent.success", errorKind == ""),
		attribute.Int("llm.total_tokens", totalTokens),
		attribute.Int("agent.tools_used", toolsUsed),
	)
	if errorKind != "" {
		span.SetAttributes(attribute.String("agent.error_kind", errorKind))
	}
}

// TraceModelCall opens a span for one chat model attempt.
func (t *Tracer) TraceModelCall(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanModelCall, trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("agent.iteration", iteration),
	)
}

// TraceToolCall opens a span for one tool call.
func (t *Tracer) TraceToolCall(ctx context.Context, toolName, toolCallID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolCall, trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
	)
}

// EndToolCall annotates a tool span with the call's outcome.
func (t *Tracer) EndToolCall(span trace.Span, success bool, duration time.Duration) {
	span.SetAttributes(
		attribute.Bool("tool.success", success),
		attribute.Int64("tool.duration_ms", duration.Milliseconds()),
	)
	if !success {
		span.SetStatus(codes.Error, "tool call failed")
	}
}

// TraceGuard opens a span for a guard pipeline run. direction is "input"
// or "output".
func (t *Tracer) TraceGuard(ctx context.Context, direction string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanGuardPrefix+direction, trace.SpanKindInternal)
}

// EndGuard annotates a guard span with the verdict. stage and category are
// set only when a stage decided the outcome.
func (t *Tracer) EndGuard(span trace.Span, verdict, stage, category string) {
	span.SetAttributes(attribute.String("guard.verdict", verdict))
	if stage != "" {
		span.SetAttributes(attribute.String("guard.stage", stage))
	}
	if category != "" {
		span.SetAttributes(attribute.String("guard.category", category))
	}
}

// TraceID returns the active trace ID, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
