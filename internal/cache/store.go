// Package cache provides bounded, time-limited key/value stores that are
// injected into guard stages instead of living as process-wide singletons.
package cache

import (
	"sync"
	"time"
)

// Options configures a Store.
type Options struct {
	// TTL is how long an entry stays readable. Zero disables expiry.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries bounds the store; the oldest entries are evicted first.
	// Zero or negative disables caching entirely.
	MaxEntries int `yaml:"max_entries"`

	// Now overrides the clock (for testing).
	Now func() time.Time `yaml:"-"`
}

type entry[V any] struct {
	value  V
	stored int64
}

// Store is a concurrency-safe map with TTL expiry and a size bound.
type Store[V any] struct {
	mu         sync.Mutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a store.
func New[V any](opts Options) *Store[V] {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxEntries := opts.MaxEntries
	if maxEntries < 0 {
		maxEntries = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store[V]{
		entries:    make(map[string]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// Get returns the value stored under key if it has not expired.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	if key == "" {
		return zero, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	if s.expired(e, s.now().UnixMilli()) {
		delete(s.entries, key)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, evicting expired and excess entries.
func (s *Store[V]) Set(key string, value V) {
	if key == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowUnix := s.now().UnixMilli()
	s.entries[key] = entry[V]{value: value, stored: nowUnix}
	s.prune(nowUnix)
}

// Delete removes key.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Prune drops expired entries and returns how many were removed.
func (s *Store[V]) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.prune(s.now().UnixMilli())
	return before - len(s.entries)
}

func (s *Store[V]) expired(e entry[V], nowUnix int64) bool {
	return s.ttl > 0 && nowUnix-e.stored >= s.ttl.Milliseconds()
}

// prune removes expired and excess entries (must be called with lock held).
func (s *Store[V]) prune(nowUnix int64) {
	if s.ttl > 0 {
		for key, e := range s.entries {
			if s.expired(e, nowUnix) {
				delete(s.entries, key)
			}
		}
	}

	if s.maxEntries <= 0 {
		s.entries = make(map[string]entry[V])
		return
	}

	for len(s.entries) > s.maxEntries {
		var oldestKey string
		var oldestTs int64 = int64(^uint64(0) >> 1)
		for k, e := range s.entries {
			if e.stored < oldestTs {
				oldestTs = e.stored
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(s.entries, oldestKey)
	}
}

// Clear removes all entries.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry[V])
}

// Len returns the current number of entries, including ones not yet pruned.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns all current keys (for debugging).
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
