package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/agentrt/internal/agent"
)

// FailoverReason categorizes why a provider request failed.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverContextLength    FailoverReason = "context_length"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// ShouldFailover reports whether another provider may succeed where this
// one cannot, whatever the failover configuration says.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverBilling, FailoverAuth, FailoverModelUnavailable:
		return true
	}
	return false
}

// Kind maps the reason onto the executor's error kinds.
func (r FailoverReason) Kind() agent.ErrorKind {
	switch r {
	case FailoverRateLimit:
		return agent.KindRateLimited
	case FailoverTimeout:
		return agent.KindTimeout
	case FailoverContextLength:
		return agent.KindContextTooLong
	}
	return agent.KindUnknown
}

// reasonMarkers are matched in order against lowercased error text when no
// status or code is known. Earlier entries win.
var reasonMarkers = []struct {
	reason  FailoverReason
	markers []string
}{
	{FailoverTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{FailoverRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{FailoverContextLength, contextLengthMarkers},
	{FailoverAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{FailoverBilling, []string{"billing", "payment", "quota", "402"}},
	{FailoverContentFilter, []string{"content_filter", "content policy"}},
	{FailoverModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{FailoverServerError, []string{"internal server", "server error", "overloaded", "500", "502", "503", "504"}},
}

var contextLengthMarkers = []string{"context length", "context_length_exceeded", "prompt is too long", "maximum context"}

// errorCodes maps provider error type strings to reasons.
var errorCodes = map[string]FailoverReason{
	"rate_limit_error":         FailoverRateLimit,
	"rate_limit_exceeded":      FailoverRateLimit,
	"authentication_error":     FailoverAuth,
	"permission_error":         FailoverAuth,
	"invalid_api_key":          FailoverAuth,
	"billing_error":            FailoverBilling,
	"insufficient_quota":       FailoverBilling,
	"model_not_found":          FailoverModelUnavailable,
	"model_not_available":      FailoverModelUnavailable,
	"not_found_error":          FailoverModelUnavailable,
	"content_policy_violation": FailoverContentFilter,
	"content_filter":           FailoverContentFilter,
	"context_length_exceeded":  FailoverContextLength,
	"server_error":             FailoverServerError,
	"internal_error":           FailoverServerError,
	"api_error":                FailoverServerError,
	"overloaded_error":         FailoverServerError,
	"invalid_request_error":    FailoverInvalidRequest,
}

// ClassifyError derives a reason from an error's text.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range reasonMarkers {
		for _, m := range rule.markers {
			if strings.Contains(msg, m) {
				return rule.reason
			}
		}
	}
	return FailoverUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return FailoverTimeout
	case status == http.StatusRequestEntityTooLarge:
		return FailoverContextLength
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	}
	return FailoverUnknown
}

// ProviderError is a failed chat model request. It exposes StatusCode for
// the retry policy and ErrorKind for the executor's error classification.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// NewProviderError wraps cause, classifying it from its text until a
// status or code says otherwise.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailoverUnknown}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = ClassifyError(cause)
	}
	return e
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Reason)
	if e.Provider != "" {
		b.WriteString(" " + e.Provider)
	}
	if e.Model != "" {
		b.WriteString(" model=" + e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" code=" + e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// StatusCode returns the HTTP status of the failed request, or zero.
func (e *ProviderError) StatusCode() int { return e.Status }

// ErrorKind implements the executor's kind lookup.
func (e *ProviderError) ErrorKind() agent.ErrorKind { return e.Reason.Kind() }

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode records the provider's error type; known types override the
// status classification.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason, ok := errorCodes[strings.ToLower(code)]; ok {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the message. Providers answer context overflows with a
// plain 400, so the message can reclassify the error.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	lower := strings.ToLower(msg)
	for _, m := range contextLengthMarkers {
		if strings.Contains(lower, m) {
			e.Reason = FailoverContextLength
			break
		}
	}
	return e
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ReasonOf returns the reason carried by err, classifying its text when it
// is not a ProviderError.
func ReasonOf(err error) FailoverReason {
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason
	}
	return ClassifyError(err)
}

// ShouldFailover checks if an error warrants trying a different provider.
func ShouldFailover(err error) bool {
	return ReasonOf(err).ShouldFailover()
}
