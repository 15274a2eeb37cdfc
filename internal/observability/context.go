package observability

import (
	"context"
	"log/slog"
)

// ContextKey is the type for context keys used in logging.
type ContextKey string

// Correlation IDs carried through an execution.
const (
	// RequestIDKey identifies the inbound request.
	RequestIDKey ContextKey = "request_id"

	// RunIDKey identifies a single execution.
	RunIDKey ContextKey = "run_id"

	// CallerIDKey identifies the caller the execution runs for.
	CallerIDKey ContextKey = "caller_id"

	// ConversationIDKey identifies the stored conversation.
	ConversationIDKey ContextKey = "conversation_id"

	// ToolCallIDKey identifies the tool call being executed.
	ToolCallIDKey ContextKey = "tool_call_id"
)

var correlationKeys = []ContextKey{RequestIDKey, RunIDKey, CallerIDKey, ConversationIDKey, ToolCallIDKey}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// AddRunID adds a run ID to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

// AddCallerID adds a caller ID to the context.
func AddCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, CallerIDKey, callerID)
}

// GetCallerID retrieves the caller ID from the context.
func GetCallerID(ctx context.Context) string {
	return stringValue(ctx, CallerIDKey)
}

// AddConversationID adds a conversation ID to the context.
func AddConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, conversationID)
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, toolCallID)
}

// GetToolCallID retrieves the tool call ID from the context.
func GetToolCallID(ctx context.Context) string {
	return stringValue(ctx, ToolCallIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if id, ok := ctx.Value(key).(string); ok {
		return id
	}
	return ""
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range correlationKeys {
		if v := stringValue(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if id := TraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	return attrs
}
