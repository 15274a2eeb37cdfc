package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/agentrt/internal/retry"
)

var (
	ErrNoModel          = errors.New("no chat model configured")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolTimeout      = errors.New("tool execution timed out")
	ErrToolPanic        = errors.New("tool panicked")
	ErrMaxToolCalls     = errors.New("maximum tool calls reached")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrLimiterClosed    = errors.New("execution limiter closed")

	// ErrStructuredOutput means the final answer still failed its schema
	// after the correction attempt.
	ErrStructuredOutput = errors.New("structured output does not match schema")

	// ErrOutputModified marks a streamed answer that an output guard
	// changed after the text had already been sent.
	ErrOutputModified = errors.New("final answer modified by output guard")
)

// ErrorKind is the stable classification reported on failed executions.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindContextTooLong ErrorKind = "context_too_long"
	KindToolError      ErrorKind = "tool_error"
	KindGuardRejected  ErrorKind = "guard_rejected"
	KindHookRejected   ErrorKind = "hook_rejected"
	KindUnknown        ErrorKind = "unknown"
)

// State is a step of the execution state machine.
type State string

const (
	StateValidating State = "validating"
	StateIterating  State = "iterating"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
)

// ExecutionError is a classified failure of one execution. Detail and
// Cause are for logs; callers only ever see the catalog message for Kind.
type ExecutionError struct {
	Kind   ErrorKind
	State  State
	Detail string
	Cause  error
}

// NewExecutionError creates an ExecutionError of the given kind.
func NewExecutionError(kind ErrorKind, detail string) *ExecutionError {
	return &ExecutionError{Kind: kind, Detail: detail}
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("[" + string(e.Kind) + "]")
	if e.State != "" {
		b.WriteString(" at " + string(e.State) + ":")
	}
	for _, part := range []string{e.Detail, causeText(e.Cause)} {
		if part != "" {
			b.WriteString(" " + part)
		}
	}
	return b.String()
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// WithCause sets the underlying error.
func (e *ExecutionError) WithCause(err error) *ExecutionError {
	e.Cause = err
	return e
}

// WithState records the state the execution failed in.
func (e *ExecutionError) WithState(s State) *ExecutionError {
	e.State = s
	return e
}

// WithDetail sets the internal description.
func (e *ExecutionError) WithDetail(detail string) *ExecutionError {
	e.Detail = detail
	return e
}

var (
	contextTooLongMarkers = []string{
		"context length",
		"context_length_exceeded",
		"context window",
		"maximum context",
		"prompt is too long",
		"too many tokens",
		"reduce the length",
	}
	rateLimitMarkers = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"overloaded",
	}
	timeoutMarkers = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
)

// ClassifyError maps err to an ErrorKind. Structured information wins:
// an ExecutionError keeps its kind, a ToolError is a tool error, and a
// status code is interpreted when the error exposes one. Otherwise the
// message is matched against known provider phrasing, which is best-effort.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Kind != "" {
		return execErr.Kind
	}
	// A caller abort is reported like a deadline: the request did not finish in time.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrToolTimeout) {
		return KindTimeout
	}
	if IsToolError(err) {
		return KindToolError
	}

	var kinded interface{ ErrorKind() ErrorKind }
	if errors.As(err, &kinded) {
		if kind := kinded.ErrorKind(); kind != KindUnknown && kind != "" {
			return kind
		}
	}

	var coded retry.StatusCoder
	if errors.As(err, &coded) {
		switch code := coded.StatusCode(); {
		case code == 429:
			return KindRateLimited
		case code == 408 || code == 504:
			return KindTimeout
		case code == 413:
			return KindContextTooLong
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, contextTooLongMarkers):
		return KindContextTooLong
	case containsAny(msg, rateLimitMarkers):
		return KindRateLimited
	case containsAny(msg, timeoutMarkers):
		return KindTimeout
	}
	return KindUnknown
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// MessageCatalog resolves an ErrorKind to the message shown to callers.
type MessageCatalog map[ErrorKind]string

// DefaultMessageCatalog returns the English messages.
func DefaultMessageCatalog() MessageCatalog {
	return MessageCatalog{
		KindRateLimited:    "The service is receiving too many requests. Please try again shortly.",
		KindTimeout:        "The request took too long to complete. Please try again.",
		KindContextTooLong: "The conversation is too long to process. Please start a new conversation or shorten your message.",
		KindToolError:      "A tool required to answer this request failed.",
		KindGuardRejected:  "This request was blocked by a security policy.",
		KindHookRejected:   "This request was not allowed to proceed.",
		KindUnknown:        "Something went wrong while processing the request.",
	}
}

// Message returns the text for kind, falling back to the default catalog
// and finally to the Unknown message.
func (c MessageCatalog) Message(kind ErrorKind) string {
	if msg, ok := c[kind]; ok && msg != "" {
		return msg
	}
	defaults := DefaultMessageCatalog()
	if msg, ok := defaults[kind]; ok {
		return msg
	}
	return defaults[KindUnknown]
}
