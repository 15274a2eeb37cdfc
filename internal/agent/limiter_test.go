package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_NilAdmitsEverything(t *testing.T) {
	l := NewLimiter(0)
	if l != nil {
		t.Fatal("expected nil limiter for zero permits")
	}
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("nil limiter returned error: %v", err)
	}
	release()
	if l.InFlight() != 0 {
		t.Error("nil limiter reports in-flight work")
	}
	l.Close()
}

func TestLimiter_BlocksUntilRelease(t *testing.T) {
	l := NewLimiter(1)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l.InFlight() != 1 {
		t.Errorf("expected 1 in flight, got %d", l.InFlight())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while saturated, got %v", err)
	}

	got := make(chan error, 1)
	go func() {
		r, err := l.Acquire(context.Background())
		if err == nil {
			r()
		}
		got <- err
	}()

	release()
	release() // second call is a no-op
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after release")
	}
	if l.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", l.InFlight())
	}
}

func TestLimiter_Close(t *testing.T) {
	l := NewLimiter(1)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	l.Close()
	select {
	case err := <-got:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Fatalf("expected ErrLimiterClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	if _, err := l.Acquire(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Errorf("expected ErrLimiterClosed after close, got %v", err)
	}
	// Admitted work releases normally after close.
	release()
	if l.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", l.InFlight())
	}
}
