// Package retry re-runs model calls that fail transiently.
//
// Do owns the attempt loop; the classification of errors lives in
// IsTransient and can be replaced per call with WithClassifier.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/haasonsaas/agentrt/internal/backoff"
)

// Config bounds the attempts of one operation.
type Config struct {
	// MaxAttempts counts the first try. Values below 1 mean a single try.
	MaxAttempts int                   `yaml:"max_attempts"`
	Policy      backoff.BackoffPolicy `yaml:"backoff"`
}

// DefaultConfig allows three attempts with the default backoff.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Policy: backoff.DefaultPolicy()}
}

// Result describes how Do ended.
type Result struct {
	Attempts int
	Err      error

	// Delays are the backoff waits taken, one per retry.
	Delays   []time.Duration
	Duration time.Duration
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// OnRetry runs before the wait that precedes attempt+1.
type OnRetry func(attempt int, err error, delay time.Duration)

type settings struct {
	classify Classifier
	onRetry  OnRetry
	sleep    backoff.Sleeper
	jitter   func() float64
}

// Option customizes Do.
type Option func(*settings)

// WithClassifier replaces IsTransient.
func WithClassifier(c Classifier) Option {
	return func(s *settings) {
		if c != nil {
			s.classify = c
		}
	}
}

// WithOnRetry registers a callback invoked before each backoff wait.
func WithOnRetry(fn OnRetry) Option {
	return func(s *settings) { s.onRetry = fn }
}

// WithSleeper replaces the wait between attempts.
func WithSleeper(sl backoff.Sleeper) Option {
	return func(s *settings) {
		if sl != nil {
			s.sleep = sl
		}
	}
}

// WithRand replaces the jitter source.
func WithRand(r func() float64) Option {
	return func(s *settings) {
		if r != nil {
			s.jitter = r
		}
	}
}

// Do runs op until it succeeds, fails with an error the classifier rejects,
// or exhausts config.MaxAttempts. Cancellation of ctx ends the loop at once,
// even in the middle of a backoff wait, and is never retried.
func Do(ctx context.Context, config Config, op func(ctx context.Context) error, opts ...Option) (res Result) {
	s := settings{
		classify: IsTransient,
		sleep:    backoff.SleepWithContext,
		jitter:   rand.Float64, // #nosec G404 -- jitter only
	}
	for _, opt := range opts {
		opt(&s)
	}
	limit := max(config.MaxAttempts, 1)

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	for res.Attempts < limit {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts++
		res.Err = op(ctx)
		if !s.retryable(ctx, res.Err) || res.Attempts == limit {
			return res
		}

		delay := backoff.ComputeBackoffWithRand(config.Policy, res.Attempts, s.jitter())
		if s.onRetry != nil {
			s.onRetry(res.Attempts, res.Err, delay)
		}
		res.Delays = append(res.Delays, delay)
		if err := s.sleep(ctx, delay); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func (s settings) retryable(ctx context.Context, err error) bool {
	switch {
	case err == nil, ctx.Err() != nil:
		return false
	case IsCancellation(err), IsPermanent(err):
		return false
	}
	return s.classify(err)
}

// DoWithValue is Do for operations that produce a value. The value of the
// last successful attempt is returned.
func DoWithValue[T any](ctx context.Context, config Config, op func(ctx context.Context) (T, error), opts ...Option) (T, Result) {
	var out T
	res := Do(ctx, config, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	}, opts...)
	return out, res
}

// PermanentError stops Do regardless of the classifier.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsCancellation reports whether err stems from a canceled context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
