package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter admits at most N executions at a time across the process.
// Waiting for a permit is bounded by the caller's context.
type Limiter struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLimiter creates a limiter with n permits. A non-positive n returns
// nil, and a nil *Limiter admits everything.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		return nil
	}
	return &Limiter{
		sem:    semaphore.NewWeighted(int64(n)),
		closed: make(chan struct{}),
	}
}

// Acquire blocks until a permit is available, ctx is done or the limiter
// is closed. The returned release must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	select {
	case <-l.closed:
		return nil, ErrLimiterClosed
	default:
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLimiterClosed
	}

	l.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of permits currently held.
func (l *Limiter) InFlight() int {
	if l == nil {
		return 0
	}
	return int(l.inFlight.Load())
}

// Close stops admitting new executions. Waiters fail with ErrLimiterClosed;
// executions already admitted are unaffected.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() { close(l.closed) })
}
