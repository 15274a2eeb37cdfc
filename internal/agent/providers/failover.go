package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/agentrt/internal/agent"
)

// ErrNoAvailableModel is returned when every model's circuit is open.
var ErrNoAvailableModel = errors.New("no available chat model")

// FailoverConfig configures a FailoverModel.
type FailoverConfig struct {
	// FailoverOnRateLimit also fails over on rate limit errors.
	FailoverOnRateLimit bool `yaml:"failover_on_rate_limit"`

	// FailoverOnServerError also fails over on 5xx errors.
	FailoverOnServerError bool `yaml:"failover_on_server_error"`

	// CircuitBreakerThreshold is the number of consecutive failures
	// before a model is skipped.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerTimeout is how long a tripped model is skipped.
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
}

// DefaultFailoverConfig returns sensible defaults for failover.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		FailoverOnServerError:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   time.Minute,
	}
}

// ModelState tracks the health of one model in a FailoverModel.
type ModelState struct {
	Name          string
	Failures      int
	LastFailure   time.Time
	CircuitOpen   bool
	CircuitOpenAt time.Time
}

func (s *ModelState) available(cfg FailoverConfig, now time.Time) bool {
	return !s.CircuitOpen || now.Sub(s.CircuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FailoverModel is a ChatModel that tries an ordered list of models,
// moving to the next one when a failure suggests another provider may
// succeed (auth, billing, unknown model, and optionally rate limits or
// server errors). It does not retry a single model; the executor's retry
// policy wraps the whole FailoverModel.
//
// A streaming call fails over only while nothing has been emitted.
type FailoverModel struct {
	models []agent.ChatModel
	config FailoverConfig
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*ModelState
}

// NewFailoverModel creates a FailoverModel over primary and fallbacks.
func NewFailoverModel(config FailoverConfig, primary agent.ChatModel, fallbacks ...agent.ChatModel) *FailoverModel {
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 5
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = time.Minute
	}
	return &FailoverModel{
		models: append([]agent.ChatModel{primary}, fallbacks...),
		config: config,
		now:    time.Now,
		states: make(map[string]*ModelState),
	}
}

// Name returns "failover:" followed by the primary model's name.
func (f *FailoverModel) Name() string {
	return "failover:" + f.models[0].Name()
}

// Complete implements agent.ChatModel.
func (f *FailoverModel) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	var lastErr error
	for _, m := range f.models {
		if !f.isAvailable(m.Name()) {
			continue
		}
		resp, err := m.Complete(ctx, req)
		if err == nil {
			f.recordSuccess(m.Name())
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.recordFailure(m.Name())
		lastErr = err
		if !f.shouldFailover(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoAvailableModel
	}
	return nil, lastErr
}

// Stream implements agent.ChatModel. The first chunk of each attempt is
// inspected: an immediate error allows failing over, anything else
// commits to that model.
func (f *FailoverModel) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	var lastErr error
	for _, m := range f.models {
		if !f.isAvailable(m.Name()) {
			continue
		}
		ch, err := m.Stream(ctx, req)
		var first *agent.CompletionChunk
		if err == nil {
			select {
			case first = <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if first != nil && first.Error != nil {
				err = first.Error
			}
		}
		if err == nil {
			f.recordSuccess(m.Name())
			return forward(ctx, first, ch), nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		f.recordFailure(m.Name())
		lastErr = err
		if !f.shouldFailover(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoAvailableModel
	}
	return nil, lastErr
}

// forward re-emits first followed by the rest of ch.
func forward(ctx context.Context, first *agent.CompletionChunk, ch <-chan *agent.CompletionChunk) <-chan *agent.CompletionChunk {
	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		if first == nil {
			return
		}
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for chunk := range ch {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *FailoverModel) shouldFailover(err error) bool {
	reason := ReasonOf(err)
	if reason.ShouldFailover() {
		return true
	}
	switch reason {
	case FailoverRateLimit:
		return f.config.FailoverOnRateLimit
	case FailoverServerError, FailoverTimeout:
		return f.config.FailoverOnServerError
	}
	return false
}

func (f *FailoverModel) isAvailable(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	return !ok || state.available(f.config, f.now())
}

func (f *FailoverModel) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[name]; ok {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

func (f *FailoverModel) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[name]
	if !ok {
		state = &ModelState{Name: name}
		f.states[name] = state
	}
	now := f.now()
	state.Failures++
	state.LastFailure = now
	// A failure while half-open restarts the timeout.
	if state.Failures >= f.config.CircuitBreakerThreshold {
		state.CircuitOpen = true
		state.CircuitOpenAt = now
	}
}

// States returns a snapshot of every model that has failed at least once.
func (f *FailoverModel) States() []ModelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ModelState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, *s)
	}
	return out
}

// ResetCircuitBreaker closes the circuit of the named model.
func (f *FailoverModel) ResetCircuitBreaker(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[name]; ok {
		state.Failures = 0
		state.CircuitOpen = false
	}
}
