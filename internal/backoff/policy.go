// Package backoff provides exponential backoff utilities with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial"`
	// Max caps the delay before jitter is applied.
	Max time.Duration `yaml:"max"`
	// Factor is the exponential factor applied to each attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the symmetric randomization fraction; 0.25 spreads each
	// delay over [0.75, 1.25] of its base value.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the policy used for model calls.
// Initial: 500ms, Max: 8s, Factor: 2, Jitter: ±25%
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 500 * time.Millisecond,
		Max:     8 * time.Second,
		Factor:  2,
		Jitter:  0.25,
	}
}

// normalized fills zero fields from DefaultPolicy and clamps Jitter to [0, 1].
func (p BackoffPolicy) normalized() BackoffPolicy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Base returns the un-jittered delay before retry number attempt (1-indexed):
// min(Max, Initial * Factor^(attempt-1)).
func (p BackoffPolicy) Base(attempt int) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	return time.Duration(math.Min(float64(p.Max), base))
}

// ComputeBackoff calculates the jittered backoff duration for a given attempt.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided
// random value in [0.0, 1.0). A value of 0.5 yields the base delay, 0 the
// lower jitter bound and values approaching 1 the upper bound.
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	policy = policy.normalized()
	base := float64(policy.Base(attempt))
	spread := policy.Jitter * (2*randomValue - 1)
	total := base * (1 + spread)
	if total < 0 {
		total = 0
	}
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}
