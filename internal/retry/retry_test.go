package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/haasonsaas/agentrt/internal/backoff"
)

// recordSleeps returns a sleeper that records delays without waiting.
func recordSleeps(delays *[]time.Duration) backoff.Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		Policy: backoff.BackoffPolicy{
			Initial: 100 * time.Millisecond,
			Max:     300 * time.Millisecond,
			Factor:  2,
			Jitter:  0.25,
		},
	}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got %d (calls %d)", result.Attempts, calls)
	}
}

func TestDo_RetriesTransientWithBackoff(t *testing.T) {
	var delays []time.Duration
	calls := 0
	result := Do(context.Background(), fastConfig(4), func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("status 503: service unavailable")
		}
		return nil
	}, WithSleeper(recordSleeps(&delays)), WithRand(func() float64 { return 0.5 }))

	if result.Err != nil {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if result.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", result.Attempts)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
	if fmt.Sprint(result.Delays) != fmt.Sprint(want) {
		t.Errorf("result.Delays = %v, want %v", result.Delays, want)
	}
	if result.Duration <= 0 {
		t.Error("Duration should be recorded")
	}
}

func TestDo_NonTransientFailsImmediately(t *testing.T) {
	var delays []time.Duration
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return errors.New("401 unauthorized: invalid api key")
	}, WithSleeper(recordSleeps(&delays)))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Errorf("unexpected sleeps: %v", delays)
	}
	if result.Err == nil {
		t.Error("expected error")
	}
}

func TestDo_MaxAttempts(t *testing.T) {
	var delays []time.Duration
	result := Do(context.Background(), fastConfig(3), func(context.Context) error {
		return errors.New("429 too many requests")
	}, WithSleeper(recordSleeps(&delays)))

	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if len(delays) != 2 {
		t.Errorf("sleeps = %d, want 2 (none after last attempt)", len(delays))
	}
}

func TestDo_PermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		return Permanent(errors.New("timeout but permanent"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_CancellationIsNeverRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := Do(ctx, fastConfig(5), func(context.Context) error {
		calls++
		cancel()
		return fmt.Errorf("request aborted: %w", context.Canceled)
	}, WithClassifier(func(error) bool { return true }))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := Do(ctx, fastConfig(5), func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	}, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_ContextCanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	result := Do(ctx, fastConfig(3), func(context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDo_OnRetry(t *testing.T) {
	var attempts []int
	calls := 0
	Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	}, WithSleeper(recordSleeps(new([]time.Duration))), WithOnRetry(func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}))

	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("OnRetry attempts = %v, want [1]", attempts)
	}
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	calls := 0
	Do(context.Background(), Config{}, func(context.Context) error {
		calls++
		return errors.New("timeout")
	}, WithSleeper(recordSleeps(new([]time.Duration))))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	v, result := DoWithValue(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "partial", errors.New("502 bad gateway")
		}
		return "ok", nil
	}, WithSleeper(recordSleeps(new([]time.Duration))))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if v != "ok" {
		t.Errorf("value = %q, want ok", v)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestPermanentError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Error("permanent error should unwrap to inner")
	}
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "http error" }
func (e statusErr) StatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit text", errors.New("Rate limit reached for requests"), true},
		{"429 text", errors.New("status code 429"), true},
		{"server error", errors.New("500 Internal Server Error"), true},
		{"overloaded", errors.New("anthropic: overloaded_error"), true},
		{"connection reset text", errors.New("read tcp: connection reset by peer"), true},
		{"connection reset errno", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"status 503", statusErr{503}, true},
		{"status 400", statusErr{400}, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("stream: %w", context.Canceled), false},
		{"auth", errors.New("invalid api key"), false},
		{"context length", errors.New("context length exceeded: 5000 tokens over"), false},
		{"malformed", errors.New("invalid request: messages[2] malformed"), false},
		{"permanent", Permanent(errors.New("timeout")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientStatus(t *testing.T) {
	for code, want := range map[int]bool{200: false, 400: false, 401: false, 408: true, 429: true, 500: true, 503: true, 599: true} {
		if got := IsTransientStatus(code); got != want {
			t.Errorf("IsTransientStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
