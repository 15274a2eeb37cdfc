package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/agentrt/internal/hooks"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// Recorder receives execution, model and tool measurements.
// *observability.Metrics satisfies it.
type Recorder interface {
	ExecutionStarted()
	ExecutionFinished(result *models.ExecutionResult)
	RecordModelCall(provider string, d time.Duration, usage models.Usage, err error)
	RecordToolExecution(toolName string, d time.Duration, success bool)
}

type nopRecorder struct{}

func (nopRecorder) ExecutionStarted() {}
func (nopRecorder) ExecutionFinished(*models.ExecutionResult) {}
func (nopRecorder) RecordModelCall(string, time.Duration, models.Usage, error) {}
func (nopRecorder) RecordToolExecution(string, time.Duration, bool) {}

// CallBudget is the tool call counter of one execution. Slots are handed
// out in increasing order and never returned.
type CallBudget struct {
	limit int64
	used  atomic.Int64
}

// NewCallBudget creates a budget of limit calls. A non-positive limit is unbounded.
func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{limit: int64(limit)}
}

// Reserve takes the next slot and reports whether it is within the limit.
func (b *CallBudget) Reserve() bool {
	n := b.used.Add(1)
	if b.limit > 0 && n > b.limit {
		b.used.Add(-1)
		return false
	}
	return true
}

// Used returns the number of admitted calls.
func (b *CallBudget) Used() int { return int(b.used.Load()) }

// Limit returns the configured limit.
func (b *CallBudget) Limit() int { return int(b.limit) }

// Exhausted reports whether no further call will be admitted.
func (b *CallBudget) Exhausted() bool {
	return b.limit > 0 && b.used.Load() >= b.limit
}

// EnsureCallIDs returns calls with every ID set and unique within the
// batch. Missing or repeated IDs are replaced with generated ones so
// results can be correlated by ID.
func EnsureCallIDs(calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, len(calls))
	seen := make(map[string]struct{}, len(calls))
	for i, call := range calls {
		if _, dup := seen[call.ID]; call.ID == "" || dup {
			call.ID = "call_" + uuid.NewString()
		}
		seen[call.ID] = struct{}{}
		out[i] = call
	}
	return out
}

// OrchestratorConfig configures tool call execution.
type OrchestratorConfig struct {
	// ToolTimeout bounds a single tool call. Default: 30s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// Concurrency caps parallel tool calls per iteration; zero is unbounded.
	Concurrency int `yaml:"concurrency"`

	// ResultGuard filters tool output before it reaches the model.
	ResultGuard ToolResultGuard `yaml:"result_guard"`
}

// DefaultOrchestratorConfig returns the default tool execution settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{ToolTimeout: 30 * time.Second}
}

// Orchestrator runs the tool calls requested in one iteration in parallel
// and returns their records in request order.
type Orchestrator struct {
	registry *ToolRegistry
	hooks    *hooks.Executor
	config   OrchestratorConfig
	filter   *resultFilter
	recorder Recorder
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorRecorder sets where tool measurements go.
func WithOrchestratorRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithOrchestratorTracer sets the tracer for agent.tool_call spans.
func WithOrchestratorTracer(t *observability.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an orchestrator over registry. hookExec may be nil.
func NewOrchestrator(registry *ToolRegistry, hookExec *hooks.Executor, config OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if registry == nil {
		registry = NewToolRegistry(nil)
	}
	o := &Orchestrator{
		registry: registry,
		hooks:    hookExec,
		config:   config,
		filter:   config.ResultGuard.compile(),
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Run executes calls and returns one record per call in request order.
//
// Budget slots are reserved in request order before anything is
// dispatched; calls beyond the limit get an error record and never reach
// a tool. Tool failures, rejections and unknown tools become error
// records. The only error returned is the cancellation of ctx, which
// cancels every call still running.
func (o *Orchestrator) Run(ctx context.Context, hc *hooks.Context, cmd *models.Command, calls []models.ToolCall, budget *CallBudget, emit func(*models.ToolEvent)) ([]models.ToolCallRecord, error) {
	if emit == nil {
		emit = func(*models.ToolEvent) {}
	}
	if budget == nil {
		budget = NewCallBudget(0)
	}

	byID := make(map[string]models.ToolCallRecord, len(calls))
	var mu sync.Mutex
	store := func(rec models.ToolCallRecord) {
		mu.Lock()
		byID[rec.ID] = rec
		mu.Unlock()
	}

	admitted := make([]bool, len(calls))
	for i, call := range calls {
		if budget.Reserve() {
			admitted[i] = true
			continue
		}
		rec := newRecord(i, call)
		rec.Error = NewToolError(call.Name, ErrMaxToolCalls).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("tool call limit of %d reached", budget.Limit())).Message
		store(rec)
		emit(&models.ToolEvent{
			ToolCallID:   call.ID,
			ToolName:     call.Name,
			Index:        i,
			Stage:        models.ToolEventDenied,
			Input:        call.Input,
			Error:        rec.Error,
			PolicyReason: "max_tool_calls",
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.config.Concurrency > 0 {
		g.SetLimit(o.config.Concurrency)
	}
	for i, call := range calls {
		if !admitted[i] {
			continue
		}
		g.Go(func() error {
			rec, err := o.runOne(gctx, hc, cmd, i, call, emit)
			store(rec)
			return err
		})
	}
	err := g.Wait()

	records := make([]models.ToolCallRecord, len(calls))
	for i, call := range calls {
		rec, ok := byID[call.ID]
		if !ok {
			rec = newRecord(i, call)
			rec.Error = "tool execution canceled"
		}
		records[i] = rec
	}
	if err == nil {
		err = ctx.Err()
	}
	return records, err
}

func newRecord(index int, call models.ToolCall) models.ToolCallRecord {
	return models.ToolCallRecord{Index: index, ID: call.ID, Name: call.Name, Arguments: call.Input}
}

func (o *Orchestrator) runOne(ctx context.Context, hc *hooks.Context, cmd *models.Command, index int, call models.ToolCall, emit func(*models.ToolEvent)) (models.ToolCallRecord, error) {
	ctx = observability.AddToolCallID(ctx, call.ID)
	ctx, span := o.tracer.TraceToolCall(ctx, call.Name, call.ID)
	defer span.End()

	rec := newRecord(index, call)
	emit(&models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Index: index, Stage: models.ToolEventRequested, Input: call.Input})

	deny := func(stage models.ToolEventStage, reason, msg string) (models.ToolCallRecord, error) {
		rec.Error = msg
		emit(&models.ToolEvent{
			ToolCallID:   call.ID,
			ToolName:     call.Name,
			Index:        index,
			Stage:        stage,
			Input:        rec.Arguments,
			Error:        msg,
			PolicyReason: reason,
		})
		return rec, nil
	}

	before := hooks.NewEvent(hooks.PointBeforeTool, hc)
	before.Command = cmd
	before.Tool = &hooks.ToolCallEvent{Index: index, ID: call.ID, Name: call.Name, Arguments: call.Input}
	decision, err := o.hooks.RunBefore(ctx, before)
	if err != nil {
		return deny(models.ToolEventDenied, "hook_error", "tool call rejected: "+err.Error())
	}
	switch decision.Action {
	case hooks.ActionReject:
		return deny(models.ToolEventDenied, decision.Hook, "tool call rejected: "+decision.Reason)
	case hooks.ActionPendingApproval:
		return deny(models.ToolEventApprovalRequired, decision.Hook,
			fmt.Sprintf("awaiting approval %s: %s", decision.ApprovalID, decision.Message))
	case hooks.ActionModify:
		args, merr := json.Marshal(decision.Params)
		if merr != nil {
			return deny(models.ToolEventDenied, decision.Hook, "tool call rejected: invalid modified arguments")
		}
		call.Input = args
		rec.Arguments = args
	}

	start := time.Now()
	result, err := o.dispatch(ctx, hc, call, func() {
		emit(&models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Index: index, Stage: models.ToolEventStarted, Input: call.Input, StartedAt: start})
	})
	if err != nil {
		rec.Error = "tool execution canceled"
		return rec, err
	}
	result = o.filter.apply(call.Name, result)
	rec.Duration = time.Since(start)
	rec.Success = !result.IsError
	if rec.Success {
		rec.Result = result.Content
	} else {
		rec.Error = result.Content
	}

	after := hooks.NewEvent(hooks.PointAfterTool, hc)
	after.Command = cmd
	after.Tool = &hooks.ToolCallEvent{
		Index:     index,
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Input,
		Result:    result.Content,
		IsError:   result.IsError,
		Duration:  rec.Duration,
	}
	o.hooks.RunAfter(ctx, after)

	o.recorder.RecordToolExecution(call.Name, rec.Duration, rec.Success)
	o.tracer.EndToolCall(span, rec.Success, rec.Duration)

	stage := models.ToolEventSucceeded
	if !rec.Success {
		stage = models.ToolEventFailed
	}
	emit(&models.ToolEvent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Index:      index,
		Stage:      stage,
		Input:      call.Input,
		Output:     rec.Result,
		Error:      rec.Error,
		StartedAt:  start,
		FinishedAt: start.Add(rec.Duration),
	})
	return rec, nil
}

// dispatch resolves and runs one tool call. Lookup and validation
// failures are error results; only cancellation of ctx is an error.
func (o *Orchestrator) dispatch(ctx context.Context, hc *hooks.Context, call models.ToolCall, started func()) (models.ToolResult, error) {
	tool, ok := o.registry.Get(call.Name)
	if !ok {
		o.logger.WarnContext(ctx, "model requested unknown tool", "tool", call.Name)
		return errorResult(call, "tool not found: "+call.Name), nil
	}
	if err := o.registry.ValidateArguments(tool, call.Input); err != nil {
		return errorResult(call, err.Error()), nil
	}
	if hc != nil {
		hc.AddToolUsed(call.Name)
	}
	started()
	return o.execute(ctx, tool, call)
}

func (o *Orchestrator) execute(ctx context.Context, tool Tool, call models.ToolCall) (models.ToolResult, error) {
	toolCtx, cancel := context.WithTimeout(ctx, o.config.ToolTimeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	done := make(chan execResult, 1)

	go func() {
		var res execResult
		defer func() {
			if p := recover(); p != nil {
				o.logger.ErrorContext(ctx, "tool panicked",
					"tool", call.Name,
					"panic", p,
					"stack", string(debug.Stack()))
				res = execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, p)}
			}
			if toolCtx.Err() != nil {
				o.logger.WarnContext(ctx, "tool execution completed after timeout, result discarded",
					"tool", call.Name,
					"tool_call_id", call.ID)
			}
			done <- res
		}()
		res.result, res.err = tool.Execute(toolCtx, call.Input)
	}()

	select {
	case <-toolCtx.Done():
		if err := ctx.Err(); err != nil {
			return models.ToolResult{}, err
		}
		o.logger.WarnContext(ctx, "tool execution timed out", "tool", call.Name, "timeout", o.config.ToolTimeout)
		return errorResult(call, fmt.Sprintf("tool execution timed out after %v", o.config.ToolTimeout)), nil
	case res := <-done:
		if res.err != nil {
			if err := ctx.Err(); err != nil {
				return models.ToolResult{}, err
			}
			if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
				return errorResult(call, fmt.Sprintf("tool execution timed out after %v", o.config.ToolTimeout)), nil
			}
			toolErr := NewToolError(call.Name, res.err).WithToolCallID(call.ID)
			o.logger.DebugContext(ctx, "tool returned error", "tool", call.Name, "type", toolErr.Type, "error", res.err)
			return errorResult(call, res.err.Error()), nil
		}
		if res.result == nil {
			return models.ToolResult{ToolCallID: call.ID}, nil
		}
		return models.ToolResult{ToolCallID: call.ID, Content: res.result.Content, IsError: res.result.IsError}, nil
	}
}

func errorResult(call models.ToolCall, content string) models.ToolResult {
	return models.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}
}
