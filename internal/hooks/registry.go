package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPoint is returned when registering at an unknown point or
// registering the wrong kind of hook for a point.
var ErrInvalidPoint = errors.New("invalid hook point")

// ErrHookTimeout is the failure reported for a hook that outlives its
// registration timeout.
var ErrHookTimeout = errors.New("hook timed out")

// FailureObserver is notified of every hook failure, escalated or not.
type FailureObserver interface {
	HookFailed(point, hook string)
}

// HookError is returned when a FailOnError hook fails.
type HookError struct {
	Point Point
	Hook  string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s at %s failed: %v", e.Hook, e.Point, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Executor holds hook registrations and runs them per point.
type Executor struct {
	handlers map[Point][]*Registration
	byID     map[string]*Registration
	observer FailureObserver
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewExecutor creates an empty hook executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		handlers: make(map[Point][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// SetObserver registers the failure observer.
func (e *Executor) SetObserver(observer FailureObserver) {
	e.mu.Lock()
	e.observer = observer
	e.mu.Unlock()
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithOrder sets the hook order.
func WithOrder(order int) RegisterOption {
	return func(r *Registration) { r.Order = order }
}

// WithFailOnError escalates failures of this hook to a rejection.
func WithFailOnError() RegisterOption {
	return func(r *Registration) { r.FailOnError = true }
}

// WithTimeout bounds a single invocation of the hook. A hook that runs
// longer counts as failed with ErrHookTimeout; it is not waited for and
// must not touch the event after its context is done.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *Registration) { r.Timeout = d }
}

// WithSource sets the hook source.
func WithSource(source string) RegisterOption {
	return func(r *Registration) { r.Source = source }
}

// Disabled registers the hook in the disabled state.
func Disabled() RegisterOption {
	return func(r *Registration) { r.Enabled = false }
}

// ForTools limits a tool-point hook to specific tools.
func ForTools(tools ...string) RegisterOption {
	return func(r *Registration) { r.Tools = tools }
}

// RegisterBefore adds a decision-returning hook at a before point.
func (e *Executor) RegisterBefore(point Point, name string, fn BeforeFunc, opts ...RegisterOption) (string, error) {
	if !point.IsBefore() || fn == nil {
		return "", fmt.Errorf("%w: %s cannot take a before hook", ErrInvalidPoint, point)
	}
	return e.register(&Registration{Point: point, Name: name, before: fn}, opts), nil
}

// RegisterAfter adds an observation hook at an after point.
func (e *Executor) RegisterAfter(point Point, name string, fn AfterFunc, opts ...RegisterOption) (string, error) {
	if !point.Valid() || point.IsBefore() || fn == nil {
		return "", fmt.Errorf("%w: %s cannot take an after hook", ErrInvalidPoint, point)
	}
	return e.register(&Registration{Point: point, Name: name, after: fn}, opts), nil
}

func (e *Executor) register(reg *Registration, opts []RegisterOption) string {
	reg.ID = uuid.NewString()
	reg.Order = OrderNormal
	reg.Enabled = true
	for _, opt := range opts {
		opt(reg)
	}
	if reg.Name == "" {
		reg.Name = reg.ID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	list := append(e.handlers[reg.Point], reg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	e.handlers[reg.Point] = list
	e.byID[reg.ID] = reg

	e.logger.Debug("registered hook",
		"id", reg.ID,
		"point", reg.Point,
		"name", reg.Name,
		"order", reg.Order,
		"fail_on_error", reg.FailOnError)

	return reg.ID
}

// Unregister removes a hook by its registration ID.
func (e *Executor) Unregister(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, exists := e.byID[id]
	if !exists {
		return false
	}
	delete(e.byID, id)

	list := e.handlers[reg.Point]
	for i, h := range list {
		if h.ID == id {
			e.handlers[reg.Point] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	e.logger.Debug("unregistered hook", "id", id, "point", reg.Point)
	return true
}

// SetEnabled toggles a hook. It reports whether the hook exists.
func (e *Executor) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.byID[id]
	if ok {
		reg.Enabled = enabled
	}
	return ok
}

// Clear removes all hooks.
func (e *Executor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[Point][]*Registration)
	e.byID = make(map[string]*Registration)
}

// HandlerCount returns the number of hooks registered at a point.
func (e *Executor) HandlerCount(point Point) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[point])
}

// ListRegistrations returns the hooks at a point in execution order.
func (e *Executor) ListRegistrations(point Point) []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Registration, 0, len(e.handlers[point]))
	for _, r := range e.handlers[point] {
		out = append(out, *r)
	}
	return out
}

func (e *Executor) snapshot(point Point) ([]Registration, FailureObserver) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Registration, 0, len(e.handlers[point]))
	for _, r := range e.handlers[point] {
		if r.Enabled {
			out = append(out, *r)
		}
	}
	return out, e.observer
}

// RunBefore runs the before hooks at event.Point in order. The first
// non-Continue decision short-circuits the remaining hooks. A failing hook
// is logged and skipped, unless it is FailOnError, in which case a
// *HookError is returned.
func (e *Executor) RunBefore(ctx context.Context, event *Event) (Decision, error) {
	if e == nil {
		return Continue(), nil
	}
	regs, observer := e.snapshot(event.Point)
	for i := range regs {
		reg := &regs[i]
		if reg.before == nil || !reg.appliesTo(event) {
			continue
		}
		decision, err := callBefore(ctx, reg, event)
		if err != nil {
			if ferr := e.fail(ctx, reg, event, err, observer); ferr != nil {
				return Decision{}, ferr
			}
			continue
		}
		if !decision.IsContinue() {
			decision.Hook = reg.Name
			e.logger.InfoContext(ctx, "hook decision",
				"point", event.Point,
				"hook", reg.Name,
				"action", decision.Action.String(),
				"reason", decision.Reason)
			return decision, nil
		}
	}
	return Continue(), nil
}

// RunAfter runs every after hook at event.Point. Results are ignored and
// failures never propagate, FailOnError included, since the observed
// operation has already happened.
func (e *Executor) RunAfter(ctx context.Context, event *Event) {
	if e == nil {
		return
	}
	regs, observer := e.snapshot(event.Point)
	for i := range regs {
		reg := &regs[i]
		if reg.after == nil || !reg.appliesTo(event) {
			continue
		}
		if err := callAfter(ctx, reg, event); err != nil {
			e.fail(ctx, reg, event, err, observer)
		}
	}
}

func (e *Executor) fail(ctx context.Context, reg *Registration, event *Event, err error, observer FailureObserver) error {
	if observer != nil {
		observer.HookFailed(string(event.Point), reg.Name)
	}
	if reg.FailOnError && event.Point.IsBefore() {
		e.logger.ErrorContext(ctx, "hook failed, rejecting",
			"point", event.Point, "hook", reg.Name, "error", err)
		return &HookError{Point: event.Point, Hook: reg.Name, Err: err}
	}
	e.logger.WarnContext(ctx, "hook failed, continuing",
		"point", event.Point, "hook", reg.Name, "error", err)
	return nil
}

func callBefore(ctx context.Context, reg *Registration, event *Event) (Decision, error) {
	return invoke(ctx, reg.Timeout, func(ctx context.Context) (Decision, error) {
		return reg.before(ctx, event)
	})
}

func callAfter(ctx context.Context, reg *Registration, event *Event) error {
	_, err := invoke(ctx, reg.Timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, reg.after(ctx, event)
	})
	return err
}

type outcome[T any] struct {
	v   T
	err error
}

// invoke runs fn with panic recovery and, when timeout is positive, a
// deadline that is enforced even if fn ignores its context.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return recovered(ctx, fn)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := recovered(ctx, fn)
		done <- outcome[T]{v, err}
	}()

	var o outcome[T]
	select {
	case o = <-done:
		if o.err == nil {
			return o.v, nil
		}
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, fmt.Errorf("%w after %s", ErrHookTimeout, timeout)
	}
	return o.v, o.err
}

func recovered[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx)
}
