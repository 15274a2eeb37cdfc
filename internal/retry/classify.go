package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// transientMarkers are lowercase fragments of provider error text that
// indicate a failure worth retrying.
var transientMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"too many requests",
	"timeout",
	"timed out",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"overloaded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
}

// permanentMarkers win over transientMarkers so that, for example, a
// context-length error quoting "5000 tokens" is not mistaken for a 500.
var permanentMarkers = []string{
	"context length",
	"context_length",
	"maximum context",
	"too many tokens",
	"prompt is too long",
	"invalid api key",
	"invalid_api_key",
	"unauthorized",
	"authentication",
	"permission denied",
	"invalid request",
	"invalid_request",
}

// IsTransient reports whether err is a rate limit, timeout, 5xx or
// connection reset. Cancellation is never transient. Structured signals
// (status codes, net.Error timeouts, syscall errors) are checked before
// falling back to the error text.
func IsTransient(err error) bool {
	if err == nil || IsCancellation(err) || IsPermanent(err) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code != 0 {
			return IsTransientStatus(code)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	switch {
	case code == 429, code == 408:
		return true
	case code >= 500 && code <= 599:
		return true
	}
	return false
}
