package providers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/haasonsaas/agentrt/internal/agent"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want FailoverReason
	}{
		{"context deadline exceeded", FailoverTimeout},
		{"429 Too Many Requests", FailoverRateLimit},
		{"prompt is too long: 210000 tokens > 200000 maximum", FailoverContextLength},
		{"invalid api key provided", FailoverAuth},
		{"you exceeded your current quota", FailoverBilling},
		{"model_not_found: gpt-9", FailoverModelUnavailable},
		{"upstream returned 503", FailoverServerError},
		{"something odd", FailoverUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(errors.New(tt.msg)); got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
	if ClassifyError(nil) != FailoverUnknown {
		t.Error("nil error should be unknown")
	}
}

func TestProviderErrorClassificationPrecedence(t *testing.T) {
	pe := NewProviderError("anthropic", "claude", errors.New("boom")).
		WithStatus(400).
		WithMessage("prompt is too long")
	if pe.Reason != FailoverContextLength {
		t.Fatalf("reason = %s, want context_length", pe.Reason)
	}

	pe = NewProviderError("openai", "gpt-4o", errors.New("boom")).WithStatus(500).WithCode("insufficient_quota")
	if pe.Reason != FailoverBilling || !ShouldFailover(pe) {
		t.Fatalf("reason = %s, want billing with failover", pe.Reason)
	}

	wrapped := fmt.Errorf("call failed: %w", NewProviderError("openai", "", errors.New("x")).WithStatus(429))
	if ReasonOf(wrapped) != FailoverRateLimit {
		t.Fatalf("ReasonOf(wrapped) = %s", ReasonOf(wrapped))
	}
	if agent.ClassifyError(wrapped) != agent.KindRateLimited {
		t.Fatalf("agent kind = %s", agent.ClassifyError(wrapped))
	}
}

func TestProviderErrorKindUsesReasonOverText(t *testing.T) {
	// The text mentions a timeout but the provider reported a 429.
	pe := NewProviderError("anthropic", "", errors.New("upstream timeout")).WithStatus(429)
	if got := agent.ClassifyError(pe); got != agent.KindRateLimited {
		t.Fatalf("ClassifyError = %s, want rate_limited", got)
	}
}

func TestProviderErrorString(t *testing.T) {
	pe := NewProviderError("openai", "gpt-4o", errors.New("slow down")).WithStatus(429).WithCode("rate_limit_exceeded")
	want := "[rate_limit] openai model=gpt-4o status=429 code=rate_limit_exceeded slow down"
	if pe.Error() != want {
		t.Fatalf("Error() = %q, want %q", pe.Error(), want)
	}
}
