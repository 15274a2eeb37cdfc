package backoff

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done. Retry loops take one so tests
// can record delays instead of waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepWithContext is the real Sleeper. It returns ctx.Err() when ctx ends
// first, and never sleeps for a non-positive d.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
