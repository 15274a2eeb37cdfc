package ratelimit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestWindowLimiter_PerMinute(t *testing.T) {
	clock := newClock()
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 3}}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "alice", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		clock.Advance(time.Second)
	}

	d, _ := l.Allow(ctx, "alice", "")
	if d.Allowed {
		t.Fatal("request 4 should be rejected")
	}
	if d.Window != WindowMinute {
		t.Errorf("window = %s, want minute", d.Window)
	}
	if !strings.Contains(d.Reason(), "per minute") {
		t.Errorf("reason %q should mention per minute", d.Reason())
	}
	if d.RetryAfter != 57*time.Second {
		t.Errorf("RetryAfter = %v, want 57s", d.RetryAfter)
	}

	clock.Advance(58 * time.Second)
	if d, _ := l.Allow(ctx, "alice", ""); !d.Allowed {
		t.Error("request should be allowed once the oldest admission leaves the window")
	}
}

func TestWindowLimiter_PerHour(t *testing.T) {
	clock := newClock()
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 10, PerHour: 2}}, WithClock(clock.Now))
	ctx := context.Background()

	l.Allow(ctx, "bob", "")
	clock.Advance(10 * time.Minute)
	l.Allow(ctx, "bob", "")
	clock.Advance(10 * time.Minute)

	d, _ := l.Allow(ctx, "bob", "")
	if d.Allowed || d.Window != WindowHour {
		t.Fatalf("expected hour rejection, got %+v", d)
	}
	if !strings.Contains(d.Reason(), "per hour") {
		t.Errorf("reason = %q", d.Reason())
	}

	clock.Advance(41 * time.Minute)
	if d, _ := l.Allow(ctx, "bob", ""); !d.Allowed {
		t.Error("first admission should have left the hour window")
	}
}

func TestWindowLimiter_RejectedRequestsAreNotCounted(t *testing.T) {
	clock := newClock()
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 1}}, WithClock(clock.Now))
	ctx := context.Background()

	l.Allow(ctx, "k", "")
	for i := 0; i < 5; i++ {
		l.Allow(ctx, "k", "")
	}
	if s := l.GetStatus("k", ""); s.MinuteCount != 1 {
		t.Errorf("MinuteCount = %d, want 1", s.MinuteCount)
	}
}

func TestWindowLimiter_TenantOverride(t *testing.T) {
	l := NewWindowLimiter(Config{
		Enabled: true,
		Default: Limits{PerMinute: 1},
		Tenants: map[string]Limits{"premium": {PerMinute: 5}},
	})
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(ctx, "carol", "premium"); d.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("premium tenant allowed %d, want 5", allowed)
	}

	l.Allow(ctx, "dave", "free")
	if d, _ := l.Allow(ctx, "dave", "free"); d.Allowed {
		t.Error("unknown tenant should fall back to default limits")
	}
}

func TestWindowLimiter_Disabled(t *testing.T) {
	l := NewWindowLimiter(Config{Enabled: false, Default: Limits{PerMinute: 1}})
	for i := 0; i < 10; i++ {
		if d, _ := l.Allow(context.Background(), "k", ""); !d.Allowed {
			t.Fatal("disabled limiter should allow everything")
		}
	}
}

func TestWindowLimiter_CanceledContext(t *testing.T) {
	l := NewWindowLimiter(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Allow(ctx, "k", ""); err == nil {
		t.Error("expected context error")
	}
}

func TestWindowLimiter_ConcurrentAdmissionIsAtomic(t *testing.T) {
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 10}})
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := l.Allow(context.Background(), "shared", ""); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want exactly 10", allowed.Load())
	}
}

func TestWindowLimiter_AdmissionsSurviveConcurrentPrune(t *testing.T) {
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 10}})
	stop := make(chan struct{})
	pruned := make(chan struct{})
	go func() {
		defer close(pruned)
		for {
			select {
			case <-stop:
				return
			default:
				l.Prune()
			}
		}
	}()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := l.Allow(context.Background(), "shared", ""); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-pruned

	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want exactly 10", allowed.Load())
	}
	if st := l.GetStatus("shared", ""); st.MinuteCount != 10 {
		t.Errorf("recorded = %d, want 10", st.MinuteCount)
	}
}

func TestWindowLimiter_DetachedCounterIsNotReused(t *testing.T) {
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 1}})
	stale := l.getCounter("k")
	if n := l.Prune(); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}

	if d, _ := l.Allow(context.Background(), "k", ""); !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	if len(stale.times) != 0 {
		t.Error("admission recorded on a pruned counter")
	}
	if d, _ := l.Allow(context.Background(), "k", ""); d.Allowed {
		t.Error("second request should hit the minute limit")
	}
}

func TestWindowLimiter_Prune(t *testing.T) {
	clock := newClock()
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 5}}, WithClock(clock.Now))
	ctx := context.Background()
	l.Allow(ctx, "a", "")
	l.Allow(ctx, "b", "")

	clock.Advance(30 * time.Minute)
	l.Allow(ctx, "b", "")
	clock.Advance(31 * time.Minute)

	if n := l.Prune(); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if l.Keys() != 1 {
		t.Errorf("Keys = %d, want 1", l.Keys())
	}
}

func TestWindowLimiter_Reset(t *testing.T) {
	l := NewWindowLimiter(Config{Enabled: true, Default: Limits{PerMinute: 1}})
	ctx := context.Background()
	l.Allow(ctx, "k", "")
	l.Reset("k")
	if d, _ := l.Allow(ctx, "k", ""); !d.Allowed {
		t.Error("reset key should be allowed again")
	}
}

func TestCompositeKey(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"user"}, "user"},
		{[]string{"tenant", "user"}, "tenant:user"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := CompositeKey(tt.parts...); got != tt.want {
			t.Errorf("CompositeKey(%v) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}
