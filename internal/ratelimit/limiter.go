// Package ratelimit provides per-caller sliding-window request limits.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Window names a counting window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Limits caps requests per window. Zero means unlimited.
type Limits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`

	// Default applies to callers whose tenant has no override.
	Default Limits `yaml:"default"`

	// Tenants overrides Default per tenant ID.
	Tenants map[string]Limits `yaml:"tenants"`

	// MaxKeys bounds the number of tracked callers.
	MaxKeys int `yaml:"max_keys"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Default: Limits{PerMinute: 20, PerHour: 300},
		MaxKeys: 10000,
	}
}

// LimitsFor returns the limits that apply to tenant.
func (c Config) LimitsFor(tenant string) Limits {
	if tenant != "" {
		if l, ok := c.Tenants[tenant]; ok {
			return l
		}
	}
	return c.Default
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Window is the window that rejected the request, if any.
	Window Window `json:"window,omitempty"`

	Limit      int           `json:"limit,omitempty"`
	Count      int           `json:"count"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Reason renders a rejection as human-readable text.
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	return fmt.Sprintf("rate limit exceeded: %d requests per %s", d.Limit, d.Window)
}

// Limiter admits or rejects a request for a caller.
type Limiter interface {
	Allow(ctx context.Context, key, tenant string) (Decision, error)
}

// counter holds the admission times of one caller within the last hour.
type counter struct {
	mu    sync.Mutex
	times []time.Time

	// detached is set under mu once the counter has left the map; callers
	// holding it must look the key up again.
	detached bool
}

// WindowLimiter tracks minute and hour windows per caller in memory.
// Counters are incremented atomically with the admission check, so
// concurrent requests for the same caller never overshoot a limit.
type WindowLimiter struct {
	mu       sync.RWMutex
	counters map[string]*counter
	config   Config
	now      func() time.Time
}

// Option configures a WindowLimiter.
type Option func(*WindowLimiter)

// WithClock overrides the clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(l *WindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewWindowLimiter creates a new rate limiter.
func NewWindowLimiter(config Config, opts ...Option) *WindowLimiter {
	if config.MaxKeys <= 0 {
		config.MaxKeys = 10000
	}
	l := &WindowLimiter{
		counters: make(map[string]*counter),
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for key if both windows still have room.
func (l *WindowLimiter) Allow(ctx context.Context, key, tenant string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if !l.config.Enabled {
		return Decision{Allowed: true}, nil
	}
	limits := l.config.LimitsFor(tenant)
	if limits.PerMinute <= 0 && limits.PerHour <= 0 {
		return Decision{Allowed: true}, nil
	}

	c := l.getCounter(key)
	c.mu.Lock()
	for c.detached {
		c.mu.Unlock()
		c = l.getCounter(key)
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	now := l.now()

	c.evict(now)
	minuteCount, oldestInMinute := c.since(now.Add(-time.Minute))
	hourCount := len(c.times)

	if limits.PerMinute > 0 && minuteCount >= limits.PerMinute {
		return Decision{
			Window:     WindowMinute,
			Limit:      limits.PerMinute,
			Count:      minuteCount,
			RetryAfter: oldestInMinute.Add(time.Minute).Sub(now),
		}, nil
	}
	if limits.PerHour > 0 && hourCount >= limits.PerHour {
		return Decision{
			Window:     WindowHour,
			Limit:      limits.PerHour,
			Count:      hourCount,
			RetryAfter: c.times[0].Add(time.Hour).Sub(now),
		}, nil
	}

	c.times = append(c.times, now)
	return Decision{Allowed: true, Count: minuteCount + 1}, nil
}

// evict drops admissions older than an hour (must be called with lock held).
func (c *counter) evict(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(c.times) && !c.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.times = append(c.times[:0], c.times[i:]...)
	}
}

// since counts admissions after cutoff and returns the oldest of them.
func (c *counter) since(cutoff time.Time) (int, time.Time) {
	for i, ts := range c.times {
		if ts.After(cutoff) {
			return len(c.times) - i, ts
		}
	}
	return 0, time.Time{}
}

// getCounter returns or creates the counter for key.
func (l *WindowLimiter) getCounter(key string) *counter {
	l.mu.RLock()
	c, exists := l.counters[key]
	l.mu.RUnlock()

	if exists {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if c, exists = l.counters[key]; exists {
		return c
	}

	if len(l.counters) >= l.config.MaxKeys {
		l.pruneLocked()
	}

	c = &counter{}
	l.counters[key] = c
	return c
}

// Prune removes callers with no admissions in the last hour.
func (l *WindowLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked()
}

func (l *WindowLimiter) pruneLocked() int {
	now := l.now()
	removed := 0
	for key, c := range l.counters {
		c.mu.Lock()
		c.evict(now)
		empty := len(c.times) == 0
		if empty {
			c.detached = true
		}
		c.mu.Unlock()
		if empty {
			delete(l.counters, key)
			removed++
		}
	}
	return removed
}

// Reset resets the rate limit for a key.
func (l *WindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[key]; ok {
		c.mu.Lock()
		c.detached = true
		c.mu.Unlock()
		delete(l.counters, key)
	}
}

// Keys returns the number of tracked callers.
func (l *WindowLimiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.counters)
}

// Status returns rate limit status for a key.
type Status struct {
	Key         string `json:"key"`
	MinuteCount int    `json:"minute_count"`
	HourCount   int    `json:"hour_count"`
	Limits      Limits `json:"limits"`
}

// GetStatus returns the rate limit status for a key without recording a request.
func (l *WindowLimiter) GetStatus(key, tenant string) Status {
	status := Status{Key: key, Limits: l.config.LimitsFor(tenant)}

	l.mu.RLock()
	c, ok := l.counters[key]
	l.mu.RUnlock()
	if !ok {
		return status
	}

	now := l.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evict(now)
	status.MinuteCount, _ = c.since(now.Add(-time.Minute))
	status.HourCount = len(c.times)
	return status
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
