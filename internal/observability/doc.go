// Package observability provides the runtime's metrics, structured logging
// and tracing.
//
// # Metrics
//
// Metrics are Prometheus collectors registered against a caller-supplied
// registry. The type doubles as the guard pipeline Observer and the hook
// executor FailureObserver:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	input := guard.NewPipeline(stages, guard.WithObserver(metrics))
//	hookExec.SetObserver(metrics)
//
// # Logging
//
// NewLogger returns a *slog.Logger with JSON or text output. Its handler
// redacts secrets and adds correlation fields taken from the context:
//
//	ctx = observability.AddRunID(ctx, runID)
//	logger.InfoContext(ctx, "execution started") // includes run_id
//
// # Tracing
//
// Tracer exports OpenTelemetry spans over OTLP/gRPC when an endpoint is
// configured and is a no-op otherwise.
package observability
