package providers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/agentrt/internal/agent"
)

// stubModel fails with err when set, otherwise answers with its name.
type stubModel struct {
	name  string
	err   error
	calls atomic.Int32
}

func (m *stubModel) Name() string { return m.name }

func (m *stubModel) Complete(context.Context, *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &agent.CompletionResponse{Text: m.name}, nil
}

func (m *stubModel) Stream(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	m.calls.Add(1)
	ch := make(chan *agent.CompletionChunk, 2)
	if m.err != nil {
		ch <- &agent.CompletionChunk{Error: m.err}
	} else {
		ch <- &agent.CompletionChunk{Text: m.name}
		ch <- &agent.CompletionChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func TestFailoverModel_PrimarySuccess(t *testing.T) {
	primary := &stubModel{name: "primary"}
	secondary := &stubModel{name: "secondary"}
	f := NewFailoverModel(DefaultFailoverConfig(), primary, secondary)

	resp, err := f.Complete(context.Background(), &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "primary" || secondary.calls.Load() != 0 {
		t.Errorf("expected primary only, got %q (secondary calls %d)", resp.Text, secondary.calls.Load())
	}
	if f.Name() != "failover:primary" {
		t.Errorf("unexpected name %q", f.Name())
	}
}

func TestFailoverModel_FailsOverOnAuth(t *testing.T) {
	primary := &stubModel{name: "primary", err: NewProviderError("openai", "gpt", errors.New("boom")).WithStatus(401)}
	secondary := &stubModel{name: "secondary"}
	f := NewFailoverModel(DefaultFailoverConfig(), primary, secondary)

	resp, err := f.Complete(context.Background(), &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "secondary" {
		t.Errorf("expected secondary answer, got %q", resp.Text)
	}
}

func TestFailoverModel_InvalidRequestDoesNotFailOver(t *testing.T) {
	primary := &stubModel{name: "primary", err: NewProviderError("openai", "gpt", errors.New("bad")).WithStatus(400)}
	secondary := &stubModel{name: "secondary"}
	f := NewFailoverModel(DefaultFailoverConfig(), primary, secondary)

	if _, err := f.Complete(context.Background(), &agent.CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if secondary.calls.Load() != 0 {
		t.Error("invalid requests must not fail over")
	}
}

func TestFailoverModel_RateLimitOptIn(t *testing.T) {
	limited := NewProviderError("anthropic", "claude", errors.New("slow")).WithStatus(429)

	cfg := DefaultFailoverConfig()
	f := NewFailoverModel(cfg, &stubModel{name: "p", err: limited}, &stubModel{name: "s"})
	if _, err := f.Complete(context.Background(), &agent.CompletionRequest{}); err == nil {
		t.Error("rate limits do not fail over by default")
	}

	cfg.FailoverOnRateLimit = true
	f = NewFailoverModel(cfg, &stubModel{name: "p", err: limited}, &stubModel{name: "s"})
	resp, err := f.Complete(context.Background(), &agent.CompletionRequest{})
	if err != nil || resp.Text != "s" {
		t.Errorf("expected failover with opt-in, got %v %v", resp, err)
	}
}

func TestFailoverModel_CircuitBreaker(t *testing.T) {
	cfg := DefaultFailoverConfig()
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerTimeout = time.Minute

	primary := &stubModel{name: "primary", err: NewProviderError("x", "", errors.New("down")).WithStatus(503)}
	secondary := &stubModel{name: "secondary"}
	f := NewFailoverModel(cfg, primary, secondary)
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := f.Complete(context.Background(), &agent.CompletionRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if primary.calls.Load() != 2 {
		t.Errorf("expected open circuit to skip primary after 2 failures, got %d calls", primary.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	_, _ = f.Complete(context.Background(), &agent.CompletionRequest{})
	if primary.calls.Load() != 3 {
		t.Errorf("expected primary to be retried after the timeout, got %d calls", primary.calls.Load())
	}

	f.ResetCircuitBreaker("primary")
	for _, s := range f.States() {
		if s.Name == "primary" && (s.CircuitOpen || s.Failures != 0) {
			t.Errorf("expected reset state, got %+v", s)
		}
	}
}

func TestFailoverModel_StreamFailsOverBeforeOutput(t *testing.T) {
	primary := &stubModel{name: "primary", err: NewProviderError("x", "", errors.New("no key")).WithStatus(403)}
	secondary := &stubModel{name: "secondary"}
	f := NewFailoverModel(DefaultFailoverConfig(), primary, secondary)

	ch, err := f.Stream(context.Background(), &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := agent.CollectStream(context.Background(), ch, nil)
	if err != nil || resp.Text != "secondary" {
		t.Errorf("expected secondary stream, got %q %v", resp.Text, err)
	}
}
