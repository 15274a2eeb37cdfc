package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/agentrt/internal/agent"
	"github.com/haasonsaas/agentrt/internal/agent/providers"
	"github.com/haasonsaas/agentrt/internal/cache"
	"github.com/haasonsaas/agentrt/internal/config"
	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/internal/hooks"
	"github.com/haasonsaas/agentrt/internal/maintenance"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/ratelimit"
	"github.com/haasonsaas/agentrt/internal/sessions"
)

// runtime holds every component built from a config file.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	estimator *ctxwindow.Estimator
	metrics   *observability.Metrics
	registry  *prometheus.Registry

	input     *guard.Pipeline
	output    *guard.OutputPipeline
	rules     *guard.DynamicRulesStage
	limiter   *ratelimit.WindowLimiter
	approvals *hooks.ApprovalGate
	hooks     *hooks.Executor
	store     sessions.Store
	scheduler *maintenance.Scheduler
	executor  *agent.Executor

	closers []func(context.Context) error
}

// buildGuards wires the components needed to screen text: rate limiting
// and both guard pipelines. It is shared by the guard command, which
// never talks to a model.
func buildGuards(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{
		cfg:       cfg,
		logger:    logger,
		estimator: ctxwindow.NewEstimator(cfg.Context),
		registry:  prometheus.NewRegistry(),
	}
	rt.metrics = observability.NewMetrics(rt.registry)

	deps := guard.Dependencies{
		Estimator: rt.estimator,
		Logger:    logger,
		Observer:  rt.metrics,
	}
	if cfg.RateLimit.Enabled {
		rt.limiter = ratelimit.NewWindowLimiter(cfg.RateLimit)
		deps.Limiter = rt.limiter
	}
	var memo *cache.Store[guard.Classification]
	if cfg.Guard.Classification.Cache.MaxEntries > 0 {
		memo = cache.New[guard.Classification](cfg.Guard.Classification.Cache)
		deps.Memo = memo
	}

	var err error
	if rt.input, err = guard.NewInputPipelineFromConfig(cfg.Guard, deps); err != nil {
		return nil, fmt.Errorf("input guard: %w", err)
	}
	if rt.output, rt.rules, err = guard.NewOutputPipelineFromConfig(cfg.Guard, deps); err != nil {
		return nil, fmt.Errorf("output guard: %w", err)
	}

	scheduler, err := maintenance.NewScheduler(cfg.Maintenance.Schedule, logger)
	if err != nil {
		return nil, err
	}
	if rt.limiter != nil {
		scheduler.Add("rate_limit", maintenance.FromPruner(rt.limiter))
	}
	if memo != nil {
		scheduler.Add("classification_cache", maintenance.FromPruner(memo))
	}
	rt.scheduler = scheduler
	return rt, nil
}

// buildRuntime wires the full execution stack around model. A nil model
// is built from cfg.LLM.
func buildRuntime(ctx context.Context, cfg *config.Config, model agent.ChatModel, logger *slog.Logger) (*runtime, error) {
	rt, err := buildGuards(cfg, logger)
	if err != nil {
		return nil, err
	}

	if model == nil {
		if model, err = newChatModel(cfg.LLM); err != nil {
			return nil, err
		}
	}

	rt.hooks = hooks.NewExecutor(logger)
	rt.hooks.SetObserver(rt.metrics)
	if rt.approvals, err = hooks.Install(rt.hooks, cfg.Hooks, logger); err != nil {
		return nil, fmt.Errorf("install hooks: %w", err)
	}
	if rt.approvals != nil {
		rt.scheduler.Add("approvals", maintenance.FromPruner(rt.approvals))
	}

	if rt.store, err = openStore(ctx, cfg.Sessions); err != nil {
		return nil, err
	}
	if sqlStore, ok := rt.store.(*sessions.SQLStore); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return sqlStore.Close() })
	}
	if cfg.Sessions.Retention > 0 {
		rt.scheduler.Add("sessions", maintenance.SessionRetention(rt.store, cfg.Sessions.Retention))
	}

	tracer, shutdown := observability.NewTracer(cfg.Tracing)
	rt.closers = append(rt.closers, shutdown)

	tools, err := builtinTools()
	if err != nil {
		return nil, err
	}

	catalog := agent.DefaultMessageCatalog()
	for kind, msg := range cfg.Messages {
		catalog[kind] = msg
	}

	rt.executor, err = agent.NewExecutor(model,
		agent.WithConfig(cfg.Agent),
		agent.WithTools(tools...),
		agent.WithInputGuard(rt.input),
		agent.WithOutputGuard(rt.output),
		agent.WithHooks(rt.hooks),
		agent.WithContextManager(ctxwindow.NewManager(rt.estimator, cfg.Agent.Budget)),
		agent.WithLimiter(agent.NewLimiter(cfg.Concurrency)),
		agent.WithSessionStore(rt.store),
		agent.WithMessageCatalog(catalog),
		agent.WithRecorder(rt.metrics),
		agent.WithTracer(tracer),
		agent.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// start launches the background jobs: maintenance and rule file watching.
func (rt *runtime) start(ctx context.Context) error {
	if rt.cfg.Maintenance.Enabled {
		if err := rt.scheduler.Start(ctx); err != nil {
			return err
		}
		rt.closers = append(rt.closers, rt.scheduler.Stop)
	}
	if rt.rules != nil {
		go func() {
			if err := rt.rules.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Warn("rules watcher stopped", "error", err)
			}
		}()
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Backend {
	case "sql":
		store, err := sessions.OpenSQLStore(ctx, cfg.SQL)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return sessions.NewMemoryStore(cfg.MaxMessages), nil
	}
}

// newChatModel is replaced in tests.
var newChatModel = buildModel

// buildModel creates the primary chat model and wraps it with failover
// when fallbacks are configured.
func buildModel(cfg config.LLMConfig) (agent.ChatModel, error) {
	primary, err := newProviderModel(cfg, cfg.Provider)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}
	fallbacks := make([]agent.ChatModel, 0, len(cfg.Fallbacks))
	for _, name := range cfg.Fallbacks {
		m, err := newProviderModel(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("fallback %s: %w", name, err)
		}
		fallbacks = append(fallbacks, m)
	}
	return providers.NewFailoverModel(cfg.Failover, primary, fallbacks...), nil
}

func newProviderModel(cfg config.LLMConfig, name string) (agent.ChatModel, error) {
	settings, ok := cfg.ProviderSettings(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	apiKey := strings.TrimSpace(settings.APIKey)
	switch name {
	case "anthropic":
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicModel(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      settings.BaseURL,
			DefaultModel: settings.Model,
		})
	case "openai":
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIModel(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      settings.BaseURL,
			DefaultModel: settings.Model,
		})
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}
