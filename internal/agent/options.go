package agent

import (
	"context"
	"log/slog"
	"time"

	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/internal/hooks"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/retry"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// Config configures the execution loop.
type Config struct {
	// Model is passed to the chat model. Empty uses the provider default.
	Model string `yaml:"model"`

	// MaxTokens limits each model reply.
	MaxTokens int `yaml:"max_tokens"`

	// MaxToolCalls is the tool call limit for commands that do not set one.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// RequestTimeout bounds the wait for a limiter permit plus the whole loop.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HistoryLimit caps the turns loaded from the session store (0 = all).
	HistoryLimit int `yaml:"history_limit"`

	// Retry controls model call retries.
	Retry retry.Config `yaml:"retry"`

	// Budget is the context window used when no manager is supplied.
	Budget ctxwindow.Budget `yaml:"budget"`

	// Tools configures the tool call orchestrator.
	Tools OrchestratorConfig `yaml:"tools"`

	// CanaryTokens embeds a fresh canary in every system prompt. Pair it
	// with a guard.CanaryStage in the output pipeline.
	CanaryTokens bool `yaml:"canary_tokens"`
}

// DefaultConfig returns the baseline loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:      4096,
		MaxToolCalls:   10,
		RequestTimeout: 120 * time.Second,
		HistoryLimit:   50,
		Retry:          retry.DefaultConfig(),
		Budget:         ctxwindow.Budget{MaxContextTokens: ctxwindow.DefaultContextWindow, MaxOutputTokens: ctxwindow.DefaultMaxOutputTokens},
		Tools:          DefaultOrchestratorConfig(),
	}
}

// mergeConfig fills zero fields of cfg from the defaults.
func mergeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = def.MaxToolCalls
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Budget.MaxContextTokens <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Tools.ToolTimeout <= 0 {
		cfg.Tools.ToolTimeout = def.Tools.ToolTimeout
	}
	return cfg
}

// SessionStore persists conversation turns. sessions.Store satisfies it.
type SessionStore interface {
	Load(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	Append(ctx context.Context, conversationID string, msgs ...models.Message) error
}

// ToolSource discovers tools for one execution, on top of the statically
// registered ones.
type ToolSource interface {
	Tools(ctx context.Context, cmd *models.Command) ([]Tool, error)
}

// ToolSourceFunc adapts a function to ToolSource.
type ToolSourceFunc func(ctx context.Context, cmd *models.Command) ([]Tool, error)

// Tools implements ToolSource.
func (f ToolSourceFunc) Tools(ctx context.Context, cmd *models.Command) ([]Tool, error) {
	return f(ctx, cmd)
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig replaces the loop configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.config = cfg }
}

// WithTools registers static tools. Earlier registrations win on name clashes.
func WithTools(tools ...Tool) Option {
	return func(e *Executor) { e.tools = append(e.tools, tools...) }
}

// WithToolSource adds a dynamic tool source, consulted once per execution.
func WithToolSource(src ToolSource) Option {
	return func(e *Executor) {
		if src != nil {
			e.toolSources = append(e.toolSources, src)
		}
	}
}

// WithInputGuard sets the input guard pipeline.
func WithInputGuard(p *guard.Pipeline) Option {
	return func(e *Executor) { e.inputGuard = p }
}

// WithOutputGuard sets the output guard pipeline.
func WithOutputGuard(p *guard.OutputPipeline) Option {
	return func(e *Executor) { e.outputGuard = p }
}

// WithHooks sets the hook executor.
func WithHooks(h *hooks.Executor) Option {
	return func(e *Executor) { e.hooks = h }
}

// WithContextManager sets the context window manager.
func WithContextManager(m *ctxwindow.Manager) Option {
	return func(e *Executor) { e.window = m }
}

// WithLimiter sets the process-wide execution limiter.
func WithLimiter(l *Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithSessionStore sets where conversation turns are loaded and saved.
func WithSessionStore(s SessionStore) Option {
	return func(e *Executor) { e.store = s }
}

// WithMessageCatalog overrides the caller-facing error messages.
func WithMessageCatalog(c MessageCatalog) Option {
	return func(e *Executor) { e.catalog = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryOptions passes options to every model call retry, for example
// a test sleeper.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(e *Executor) { e.retryOpts = append(e.retryOpts, opts...) }
}
