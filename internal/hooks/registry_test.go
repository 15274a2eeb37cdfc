package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingObserver struct {
	mu       sync.Mutex
	failures []string
}

func (o *countingObserver) HookFailed(point, hook string) {
	o.mu.Lock()
	o.failures = append(o.failures, point+"/"+hook)
	o.mu.Unlock()
}

func continueHook(order *[]string, name string) BeforeFunc {
	return func(context.Context, *Event) (Decision, error) {
		*order = append(*order, name)
		return Continue(), nil
	}
}

func TestExecutor_RegisterRejectsWrongPoint(t *testing.T) {
	e := NewExecutor(nil)

	if _, err := e.RegisterBefore(PointAfterTool, "x", func(context.Context, *Event) (Decision, error) {
		return Continue(), nil
	}); !errors.Is(err, ErrInvalidPoint) {
		t.Errorf("expected ErrInvalidPoint, got %v", err)
	}
	if _, err := e.RegisterAfter(PointBeforeStart, "x", func(context.Context, *Event) error { return nil }); !errors.Is(err, ErrInvalidPoint) {
		t.Errorf("expected ErrInvalidPoint, got %v", err)
	}
	if _, err := e.RegisterAfter(Point("bogus"), "x", func(context.Context, *Event) error { return nil }); !errors.Is(err, ErrInvalidPoint) {
		t.Errorf("expected ErrInvalidPoint, got %v", err)
	}
}

func TestExecutor_RunBeforeOrder(t *testing.T) {
	e := NewExecutor(nil)
	var order []string

	e.RegisterBefore(PointBeforeStart, "normal", continueHook(&order, "normal"))
	e.RegisterBefore(PointBeforeStart, "early", continueHook(&order, "early"), WithOrder(OrderEarly))
	e.RegisterBefore(PointBeforeStart, "late", continueHook(&order, "late"), WithOrder(OrderLate))
	e.RegisterBefore(PointBeforeStart, "normal2", continueHook(&order, "normal2"))

	d, err := e.RunBefore(context.Background(), NewEvent(PointBeforeStart, NewContext("alice", "")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.IsContinue() {
		t.Errorf("expected continue, got %v", d.Action)
	}

	want := []string{"early", "normal", "normal2", "late"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestExecutor_FirstNonContinueShortCircuits(t *testing.T) {
	e := NewExecutor(nil)
	var order []string

	e.RegisterBefore(PointBeforeTool, "first", continueHook(&order, "first"), WithOrder(1))
	e.RegisterBefore(PointBeforeTool, "rejecter", func(context.Context, *Event) (Decision, error) {
		order = append(order, "rejecter")
		return Reject("not today"), nil
	}, WithOrder(2))
	e.RegisterBefore(PointBeforeTool, "never", continueHook(&order, "never"), WithOrder(3))

	d, err := e.RunBefore(context.Background(), NewEvent(PointBeforeTool, NewContext("alice", "")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != ActionReject || d.Reason != "not today" {
		t.Errorf("expected reject 'not today', got %v %q", d.Action, d.Reason)
	}
	if d.Hook != "rejecter" {
		t.Errorf("expected hook name rejecter, got %q", d.Hook)
	}
	if len(order) != 2 {
		t.Errorf("expected 2 hooks to run, got %v", order)
	}
}

func TestExecutor_FailOpen(t *testing.T) {
	e := NewExecutor(nil)
	obs := &countingObserver{}
	e.SetObserver(obs)
	var order []string

	e.RegisterBefore(PointBeforeStart, "erroring", func(context.Context, *Event) (Decision, error) {
		return Decision{}, errors.New("boom")
	}, WithOrder(1))
	e.RegisterBefore(PointBeforeStart, "panicking", func(context.Context, *Event) (Decision, error) {
		panic("kaboom")
	}, WithOrder(2))
	e.RegisterBefore(PointBeforeStart, "sibling", continueHook(&order, "sibling"), WithOrder(3))

	d, err := e.RunBefore(context.Background(), NewEvent(PointBeforeStart, NewContext("alice", "")))
	if err != nil {
		t.Fatalf("expected fail-open, got error %v", err)
	}
	if !d.IsContinue() {
		t.Errorf("expected continue, got %v", d.Action)
	}
	if len(order) != 1 || order[0] != "sibling" {
		t.Errorf("expected sibling to run, got %v", order)
	}
	if len(obs.failures) != 2 {
		t.Errorf("expected 2 observed failures, got %v", obs.failures)
	}
}

func TestExecutor_FailOnErrorEscalates(t *testing.T) {
	e := NewExecutor(nil)
	var order []string

	e.RegisterBefore(PointBeforeStart, "strict", func(context.Context, *Event) (Decision, error) {
		return Decision{}, errors.New("quota service down")
	}, WithOrder(1), WithFailOnError())
	e.RegisterBefore(PointBeforeStart, "after", continueHook(&order, "after"), WithOrder(2))

	_, err := e.RunBefore(context.Background(), NewEvent(PointBeforeStart, NewContext("alice", "")))
	var hookErr *HookError
	if !errors.As(err, &hookErr) {
		t.Fatalf("expected *HookError, got %v", err)
	}
	if hookErr.Hook != "strict" || hookErr.Point != PointBeforeStart {
		t.Errorf("unexpected hook error fields: %+v", hookErr)
	}
	if len(order) != 0 {
		t.Errorf("expected no hooks after escalation, got %v", order)
	}
}

func TestExecutor_HookTimeout(t *testing.T) {
	e := NewExecutor(nil)
	obs := &countingObserver{}
	e.SetObserver(obs)
	release := make(chan struct{})
	defer close(release)

	var order []string
	e.RegisterBefore(PointBeforeStart, "stuck", func(context.Context, *Event) (Decision, error) {
		<-release
		return Reject("too late"), nil
	}, WithTimeout(20*time.Millisecond), WithOrder(1))
	e.RegisterBefore(PointBeforeStart, "next", continueHook(&order, "next"), WithOrder(2))

	start := time.Now()
	d, err := e.RunBefore(context.Background(), NewEvent(PointBeforeStart, NewContext("alice", "")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.IsContinue() {
		t.Errorf("expected continue after timeout, got %v", d.Action)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RunBefore waited %s for a stuck hook", elapsed)
	}
	if len(order) != 1 {
		t.Errorf("expected the next hook to run, got %v", order)
	}
	if len(obs.failures) != 1 || obs.failures[0] != "before_start/stuck" {
		t.Errorf("expected one timeout failure, got %v", obs.failures)
	}

	e.RegisterBefore(PointBeforeTool, "stuck_strict", func(ctx context.Context, _ *Event) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}, WithTimeout(10*time.Millisecond), WithFailOnError())

	_, err = e.RunBefore(context.Background(), NewEvent(PointBeforeTool, NewContext("alice", "")))
	if !errors.Is(err, ErrHookTimeout) {
		t.Errorf("expected ErrHookTimeout, got %v", err)
	}
}

func TestExecutor_RunAfterIgnoresFailures(t *testing.T) {
	e := NewExecutor(nil)
	ran := 0

	e.RegisterAfter(PointAfterComplete, "failing", func(context.Context, *Event) error {
		return errors.New("billing down")
	}, WithOrder(1), WithFailOnError())
	e.RegisterAfter(PointAfterComplete, "panicking", func(context.Context, *Event) error {
		panic("boom")
	}, WithOrder(2))
	e.RegisterAfter(PointAfterComplete, "counting", func(context.Context, *Event) error {
		ran++
		return nil
	}, WithOrder(3))

	e.RunAfter(context.Background(), NewEvent(PointAfterComplete, NewContext("alice", "")))
	if ran != 1 {
		t.Errorf("expected sibling after hook to run once, ran %d", ran)
	}
}

func TestExecutor_DisabledAndUnregister(t *testing.T) {
	e := NewExecutor(nil)
	var order []string

	disabledID, _ := e.RegisterBefore(PointBeforeStart, "disabled", continueHook(&order, "disabled"), Disabled())
	id, _ := e.RegisterBefore(PointBeforeStart, "enabled", continueHook(&order, "enabled"))

	e.RunBefore(context.Background(), NewEvent(PointBeforeStart, nil))
	if len(order) != 1 || order[0] != "enabled" {
		t.Fatalf("expected only enabled hook, got %v", order)
	}

	if !e.SetEnabled(disabledID, true) {
		t.Fatal("expected SetEnabled to find hook")
	}
	if !e.Unregister(id) {
		t.Fatal("expected Unregister to return true")
	}
	if e.Unregister(id) {
		t.Error("expected second Unregister to return false")
	}

	order = nil
	e.RunBefore(context.Background(), NewEvent(PointBeforeStart, nil))
	if len(order) != 1 || order[0] != "disabled" {
		t.Errorf("expected re-enabled hook only, got %v", order)
	}
	if e.HandlerCount(PointBeforeStart) != 1 {
		t.Errorf("expected 1 handler, got %d", e.HandlerCount(PointBeforeStart))
	}
}

func TestExecutor_ForToolsFilter(t *testing.T) {
	e := NewExecutor(nil)
	e.RegisterBefore(PointBeforeTool, "shell_only", func(context.Context, *Event) (Decision, error) {
		return Reject("no shell"), nil
	}, ForTools("shell"))

	ev := NewEvent(PointBeforeTool, nil)
	ev.Tool = &ToolCallEvent{Name: "search"}
	if d, _ := e.RunBefore(context.Background(), ev); !d.IsContinue() {
		t.Errorf("expected continue for search, got %v", d.Action)
	}

	ev.Tool = &ToolCallEvent{Name: "shell"}
	if d, _ := e.RunBefore(context.Background(), ev); d.Action != ActionReject {
		t.Errorf("expected reject for shell, got %v", d.Action)
	}
}

func TestExecutor_NilIsNoop(t *testing.T) {
	var e *Executor
	d, err := e.RunBefore(context.Background(), NewEvent(PointBeforeStart, nil))
	if err != nil || !d.IsContinue() {
		t.Errorf("expected continue from nil executor, got %v %v", d, err)
	}
	e.RunAfter(context.Background(), NewEvent(PointAfterComplete, nil))
}
