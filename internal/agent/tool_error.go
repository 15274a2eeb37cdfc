package agent

import (
	"context"
	"errors"
	"strings"
)

// ToolErrorType categorizes a failed tool call.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission" // includes hook rejections
	ToolErrorRateLimit    ToolErrorType = "rate_limit"
	ToolErrorLimit        ToolErrorType = "limit" // per-execution call budget
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// ToolError is a structured failure of one tool call. Its message is what
// the model sees in the error result.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

// NewToolError wraps cause, inferring Type from it.
func NewToolError(toolName string, cause error) *ToolError {
	te := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorUnknown}
	if cause != nil {
		te.Message = cause.Error()
		te.Type = toolErrorType(cause)
	}
	return te
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	parts := []string{"[tool:" + string(e.Type) + "]"}
	for _, p := range []string{e.ToolName, msg} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error { return e.Cause }

func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage replaces the text shown to the model.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// Sentinels checked with errors.Is, in order.
var toolErrorSentinels = []struct {
	target error
	typ    ToolErrorType
}{
	{ErrToolNotFound, ToolErrorNotFound},
	{ErrToolTimeout, ToolErrorTimeout},
	{context.DeadlineExceeded, ToolErrorTimeout},
	{ErrToolPanic, ToolErrorPanic},
	{ErrMaxToolCalls, ToolErrorLimit},
	{ErrInvalidArguments, ToolErrorInvalidInput},
}

// Message fragments for errors from tool code, first match wins.
var toolErrorMarkers = []struct {
	typ     ToolErrorType
	markers []string
}{
	{ToolErrorTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ToolErrorNetwork, []string{"connection", "network", "dns", "refused", "unreachable"}},
	{ToolErrorRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ToolErrorPermission, []string{"permission", "forbidden", "unauthorized", "access denied"}},
	{ToolErrorInvalidInput, []string{"invalid", "validation", "required", "missing"}},
}

func toolErrorType(err error) ToolErrorType {
	for _, s := range toolErrorSentinels {
		if errors.Is(err, s.target) {
			return s.typ
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range toolErrorMarkers {
		if containsAny(msg, m.markers) {
			return m.typ
		}
	}
	return ToolErrorExecution
}

// IsToolError reports whether err wraps a ToolError.
func IsToolError(err error) bool {
	_, ok := GetToolError(err)
	return ok
}

// GetToolError returns the ToolError in err's chain.
func GetToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
