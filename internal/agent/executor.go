package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/internal/hooks"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/retry"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// cleanupTimeout bounds after-complete hooks and persistence, which run
// even when the execution context is already done.
const cleanupTimeout = 10 * time.Second

// Executor runs the ReAct loop: input guards, before-start hooks, then
// model calls alternating with parallel tool calls until the model answers
// without tools, then output guards and after-complete hooks.
//
// An Executor is safe for concurrent use; each call to Execute or
// ExecuteStreaming has its own state.
type Executor struct {
	model       ChatModel
	config      Config
	tools       []Tool
	toolSources []ToolSource
	inputGuard  *guard.Pipeline
	outputGuard *guard.OutputPipeline
	hooks       *hooks.Executor
	window      *ctxwindow.Manager
	limiter     *Limiter
	store       SessionStore
	catalog     MessageCatalog
	recorder    Recorder
	tracer      *observability.Tracer
	logger      *slog.Logger
	retryOpts   []retry.Option

	schemas sync.Map // schema text -> *jsonschema.Schema
}

// NewExecutor creates an executor around model.
//
// Parameters:
//   - model: chat model used for every call of the loop
//   - opts: guards, hooks, tools, limiter, store and observability
//
// Returns ErrNoModel when model is nil.
//
// Example:
//
//	exec, err := agent.NewExecutor(model,
//	    agent.WithTools(search),
//	    agent.WithInputGuard(inputPipeline),
//	    agent.WithOutputGuard(outputPipeline),
//	    agent.WithHooks(hookExec),
//	    agent.WithLimiter(agent.NewLimiter(16)),
//	)
//	result := exec.Execute(ctx, models.Command{CallerID: "u1", UserText: "hi"})
func NewExecutor(model ChatModel, opts ...Option) (*Executor, error) {
	if model == nil {
		return nil, ErrNoModel
	}
	e := &Executor{
		model:    model,
		config:   DefaultConfig(),
		catalog:  DefaultMessageCatalog(),
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.config = mergeConfig(e.config)
	if e.window == nil {
		e.window = ctxwindow.NewManager(nil, e.config.Budget)
	}
	if e.catalog == nil {
		e.catalog = DefaultMessageCatalog()
	}
	e.logger = e.logger.With("component", "executor")
	return e, nil
}

// execution is the state of one run of the loop.
type execution struct {
	cmd      models.Command
	hc       *hooks.Context
	system   string
	messages []models.Message
	usage    models.Usage
	state    State
	err      error

	// streaming only
	sink     func(*ResponseChunk)
	streamed strings.Builder
	modified bool

	// outputRejected keeps rejected text out of the conversation history.
	outputRejected bool
}

func (x *execution) streaming() bool { return x.sink != nil }

// Execute runs cmd to completion. Failures never escape as errors: they
// are reported in the result with a stable ErrorKind and a caller-facing
// message.
func (e *Executor) Execute(ctx context.Context, cmd models.Command) *models.ExecutionResult {
	return e.run(ctx, newExecution(cmd, nil))
}

func newExecution(cmd models.Command, sink func(*ResponseChunk)) *execution {
	return &execution{
		cmd:   cmd,
		hc:    hooks.NewContext(cmd.CallerID, cmd.TenantID),
		state: StateValidating,
		sink:  sink,
	}
}

func (e *Executor) run(ctx context.Context, x *execution) (result *models.ExecutionResult) {
	start := time.Now()
	cmd := x.cmd

	ctx = observability.AddRunID(ctx, x.hc.RunID)
	ctx = observability.AddCallerID(ctx, cmd.CallerID)
	if cmd.ConversationID != "" {
		ctx = observability.AddConversationID(ctx, cmd.ConversationID)
	}
	ctx, span := e.tracer.TraceExecution(ctx, x.hc.RunID, cmd.CallerID)
	defer span.End()

	e.recorder.ExecutionStarted()
	defer func() {
		if p := recover(); p != nil {
			e.logger.ErrorContext(ctx, "execution panicked", "panic", p)
			result = e.fail(ctx, x, NewExecutionError(KindUnknown, "panic").WithCause(fmt.Errorf("%v", p)))
		}
		result.RunID = x.hc.RunID
		result.ToolsUsed = x.hc.ToolsUsed()
		result.Usage = x.usage
		result.Duration = time.Since(start)
		if x.err != nil {
			e.tracer.RecordError(span, x.err)
		}
		e.tracer.EndExecution(span, result.ErrorKind, result.Usage.TotalTokens, len(result.ToolsUsed))
		e.complete(ctx, x, result)
	}()

	if e.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()
	}

	release, err := e.limiter.Acquire(ctx)
	if err != nil {
		return e.fail(ctx, x, err)
	}
	defer release()

	if err := e.validate(ctx, x); err != nil {
		res := e.fail(ctx, x, err)
		var pending *pendingApprovalError
		if errors.As(err, &pending) {
			res.PendingApproval = &models.PendingApproval{ID: pending.id, Message: pending.message}
		}
		return res
	}

	text, err := e.iterate(ctx, x)
	if err != nil {
		return e.fail(ctx, x, err)
	}

	x.state = StateFinalizing
	text, err = e.finalize(ctx, x, text)
	if err != nil {
		return e.fail(ctx, x, err)
	}

	x.state = StateDone
	return &models.ExecutionResult{Success: true, Text: text}
}

type pendingApprovalError struct {
	id, message string
}

func (e *pendingApprovalError) Error() string {
	return fmt.Sprintf("pending approval %s: %s", e.id, e.message)
}

// validate runs the input guards and before-start hooks, then assembles
// the initial message list.
func (e *Executor) validate(ctx context.Context, x *execution) error {
	if e.inputGuard != nil {
		gctx, span := e.tracer.TraceGuard(ctx, "input")
		verdict := e.inputGuard.Check(gctx, guard.Command{
			CallerID:     x.cmd.CallerID,
			TenantID:     x.cmd.TenantID,
			Text:         x.cmd.UserText,
			SystemPrompt: x.cmd.SystemPrompt,
			Channel:      x.cmd.Channel,
			Metadata:     x.cmd.Metadata,
		})
		e.tracer.EndGuard(span, verdict.Verdict.String(), verdict.Stage, string(verdict.Category))
		span.End()
		if !verdict.IsAllowed() {
			x.state = StateRejected
			return NewExecutionError(KindGuardRejected, fmt.Sprintf("input guard %s: %s", verdict.Stage, verdict.Reason)).
				WithState(StateValidating)
		}
		if verdict.NormalizedText != "" {
			x.cmd.UserText = verdict.NormalizedText
		}
	}

	ev := hooks.NewEvent(hooks.PointBeforeStart, x.hc)
	ev.Command = &x.cmd
	decision, err := e.hooks.RunBefore(ctx, ev)
	if err != nil {
		x.state = StateRejected
		return NewExecutionError(KindHookRejected, "before-start hook failed").WithCause(err).WithState(StateValidating)
	}
	switch decision.Action {
	case hooks.ActionReject:
		x.state = StateRejected
		return NewExecutionError(KindHookRejected, fmt.Sprintf("hook %s: %s", decision.Hook, decision.Reason)).
			WithState(StateValidating)
	case hooks.ActionPendingApproval:
		x.state = StateRejected
		return NewExecutionError(KindHookRejected, "awaiting approval").
			WithCause(&pendingApprovalError{id: decision.ApprovalID, message: decision.Message}).
			WithState(StateValidating)
	case hooks.ActionModify:
		applyCommandParams(&x.cmd, decision.Params)
	}

	x.system = e.systemPrompt(&x.cmd)
	x.messages = append(e.loadHistory(ctx, &x.cmd), models.UserMessage(x.cmd.UserText))
	return nil
}

// applyCommandParams applies a before-start Modify decision. Recognized
// keys are "user_text" (string) and "metadata" (string map).
func applyCommandParams(cmd *models.Command, params map[string]any) {
	if text, ok := params["user_text"].(string); ok {
		cmd.UserText = text
	}
	switch md := params["metadata"].(type) {
	case map[string]string:
		for k, v := range md {
			*cmd = cmd.WithMetadata(k, v)
		}
	case map[string]any:
		for k, v := range md {
			if s, ok := v.(string); ok {
				*cmd = cmd.WithMetadata(k, s)
			}
		}
	}
}

func (e *Executor) systemPrompt(cmd *models.Command) string {
	system := cmd.SystemPrompt
	if cmd.Structured() {
		instruction := "Respond with a single JSON document, and nothing else, that conforms to this JSON schema:\n" +
			string(cmd.OutputFormat.Schema)
		if system == "" {
			system = instruction
		} else {
			system += "\n\n" + instruction
		}
	}
	if e.config.CanaryTokens {
		canary, err := guard.NewCanary()
		if err != nil {
			e.logger.Warn("canary generation failed", "error", err)
			return system
		}
		*cmd = cmd.WithMetadata(guard.MetadataCanaryKey, canary.Token)
		system = canary.Embed(system)
	}
	return system
}

// loadHistory returns prior turns: the command's own history when given,
// otherwise the stored conversation. System messages are dropped since the
// prompt travels separately.
func (e *Executor) loadHistory(ctx context.Context, cmd *models.Command) []models.Message {
	history := cmd.History
	if len(history) == 0 && e.store != nil && cmd.ConversationID != "" {
		loaded, err := e.store.Load(ctx, cmd.ConversationID, e.config.HistoryLimit)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to load conversation history", "error", err)
		}
		history = loaded
	}
	out := make([]models.Message, 0, len(history)+1)
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// iterate is the Iterating state. It returns the final answer text.
func (e *Executor) iterate(ctx context.Context, x *execution) (string, error) {
	x.state = StateIterating

	registry := e.buildTools(ctx, &x.cmd)
	orchestrator := NewOrchestrator(registry, e.hooks, e.config.Tools,
		WithOrchestratorRecorder(e.recorder),
		WithOrchestratorTracer(e.tracer),
		WithOrchestratorLogger(e.logger))

	limit := x.cmd.MaxToolCalls
	if limit <= 0 {
		limit = e.config.MaxToolCalls
	}
	budget := NewCallBudget(limit)

	var emit func(*models.ToolEvent)
	if x.streaming() {
		emit = func(ev *models.ToolEvent) { x.sink(&ResponseChunk{ToolEvent: ev}) }
	}

	tools := registry.Tools()
	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		msgs, trim := e.window.Fit(x.messages, x.system)
		if trim.Removed() > 0 {
			e.logger.DebugContext(ctx, "trimmed conversation to fit context window",
				"history_removed", trim.HistoryRemoved,
				"tool_pairs_removed", trim.ToolPairsRemoved,
				"tokens", trim.Tokens,
				"budget", trim.Budget)
		}
		if info := e.window.Measure(msgs, x.system); info.Status() == "warning" {
			e.logger.DebugContext(ctx, "context window nearly full", "window", info.String())
		}
		if !trim.Fits {
			return "", NewExecutionError(KindContextTooLong,
				fmt.Sprintf("%d tokens over a budget of %d after trimming", trim.Tokens, trim.Budget)).
				WithState(StateIterating)
		}

		resp, err := e.callModel(ctx, x, &CompletionRequest{
			Model:       e.config.Model,
			System:      x.system,
			Messages:    repairTranscript(msgs),
			Tools:       tools,
			MaxTokens:   e.config.MaxTokens,
			Temperature: x.cmd.Temperature,
		}, iteration, x.streaming())
		if err != nil {
			return "", err
		}

		if !resp.HasToolCalls() || len(tools) == 0 {
			return resp.Text, nil
		}

		calls := EnsureCallIDs(resp.ToolCalls)
		x.messages = append(x.messages, models.AssistantMessage(resp.Text, calls...))

		records, err := orchestrator.Run(ctx, x.hc, &x.cmd, calls, budget, emit)
		for i, rec := range records {
			x.messages = append(x.messages, models.ToolResultMessage(calls[i], models.ToolResult{
				ToolCallID: rec.ID,
				Content:    rec.Content(),
				IsError:    !rec.Success,
			}))
		}
		if err != nil {
			return "", err
		}

		if budget.Exhausted() {
			e.logger.InfoContext(ctx, "tool call limit reached, requesting final answer without tools",
				"limit", budget.Limit())
			tools = nil
		}
	}
}

// buildTools merges static tools with the dynamic sources. The first
// registration of a name wins.
func (e *Executor) buildTools(ctx context.Context, cmd *models.Command) *ToolRegistry {
	sources := [][]Tool{e.tools}
	for _, src := range e.toolSources {
		discovered, err := src.Tools(ctx, cmd)
		if err != nil {
			e.logger.WarnContext(ctx, "tool discovery failed", "error", err)
			continue
		}
		sources = append(sources, discovered)
	}
	return BuildToolSet(e.logger, sources...)
}

// callModel sends req with retries and accumulates its usage. When stream
// is set, text is forwarded to the sink as it arrives; once anything has
// been forwarded, a failure is no longer retried.
func (e *Executor) callModel(ctx context.Context, x *execution, req *CompletionRequest, iteration int, stream bool) (*CompletionResponse, error) {
	provider := e.model.Name()

	op := func(ctx context.Context) (*CompletionResponse, error) {
		mctx, span := e.tracer.TraceModelCall(ctx, provider, req.Model, iteration)
		defer span.End()

		start := time.Now()
		var resp *CompletionResponse
		var err error
		if stream {
			resp, err = e.streamModel(mctx, x, req)
		} else {
			resp, err = e.model.Complete(mctx, req)
		}
		var usage models.Usage
		if resp != nil {
			usage = resp.Usage
		}
		e.recorder.RecordModelCall(provider, time.Since(start), usage, err)
		if err != nil {
			e.tracer.RecordError(span, err)
			return nil, err
		}
		if resp == nil {
			resp = &CompletionResponse{}
		}
		return resp, nil
	}

	opts := append([]retry.Option{
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			e.logger.DebugContext(ctx, "retrying model call",
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}),
	}, e.retryOpts...)

	resp, res := retry.DoWithValue(ctx, e.config.Retry, op, opts...)
	if res.Err != nil {
		if res.Attempts > 1 {
			e.logger.WarnContext(ctx, "model call failed after retries",
				"attempts", res.Attempts,
				"elapsed", res.Duration,
				"error", res.Err)
		}
		return nil, res.Err
	}
	x.usage.Add(resp.Usage)
	return resp, nil
}

func (e *Executor) streamModel(ctx context.Context, x *execution, req *CompletionRequest) (*CompletionResponse, error) {
	chunks, err := e.model.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	x.streamed.Reset()
	emitted := false
	resp, err := CollectStream(ctx, chunks, func(text string) {
		emitted = true
		x.streamed.WriteString(text)
		x.sink(&ResponseChunk{Text: text})
	})
	if err != nil && emitted {
		return nil, retry.Permanent(err)
	}
	return resp, err
}

// finalize is the Finalizing state: output guards, then structured output
// validation with a single correction attempt.
func (e *Executor) finalize(ctx context.Context, x *execution, text string) (string, error) {
	text, err := e.screenOutput(ctx, x, text)
	if err != nil {
		return "", err
	}
	if !x.cmd.Structured() {
		return text, nil
	}

	doc, verr := e.validateStructured(x.cmd.OutputFormat.Schema, text)
	if verr == nil {
		return doc, nil
	}
	e.logger.InfoContext(ctx, "final answer does not match schema, asking for a correction", "error", verr)

	msgs := append(models.CloneMessages(x.messages),
		models.AssistantMessage(text),
		models.UserMessage("Your previous answer did not match the required JSON schema ("+verr.Error()+
			"). Reply again with only a JSON document that matches the schema."))
	msgs, _ = e.window.Fit(msgs, x.system)
	resp, err := e.callModel(ctx, x, &CompletionRequest{
		Model:       e.config.Model,
		System:      x.system,
		Messages:    repairTranscript(msgs),
		MaxTokens:   e.config.MaxTokens,
		Temperature: x.cmd.Temperature,
	}, 0, false)
	if err != nil {
		return "", err
	}

	text, err = e.screenOutput(ctx, x, resp.Text)
	if err != nil {
		return "", err
	}
	doc, verr = e.validateStructured(x.cmd.OutputFormat.Schema, text)
	if verr != nil {
		return "", NewExecutionError(KindUnknown, "structured output").
			WithCause(fmt.Errorf("%w: %v", ErrStructuredOutput, verr)).
			WithState(StateFinalizing)
	}
	return doc, nil
}

// screenOutput runs the output pipeline over text.
func (e *Executor) screenOutput(ctx context.Context, x *execution, text string) (string, error) {
	if e.outputGuard == nil {
		return text, nil
	}
	gctx, span := e.tracer.TraceGuard(ctx, "output")
	res := e.outputGuard.Check(gctx, guard.OutputCommand{
		CallerID:     x.cmd.CallerID,
		TenantID:     x.cmd.TenantID,
		Text:         text,
		SystemPrompt: x.system,
		Metadata:     x.cmd.Metadata,
	})
	e.tracer.EndGuard(span, res.Verdict.String(), res.Stage, string(res.Category))
	span.End()

	switch res.Verdict {
	case guard.OutputRejected:
		x.state = StateRejected
		x.outputRejected = true
		return "", NewExecutionError(KindGuardRejected, fmt.Sprintf("output guard %s: %s", res.Stage, res.Reason)).
			WithState(StateFinalizing)
	case guard.OutputModified:
		e.logger.InfoContext(ctx, "output guard modified final answer", "reason", res.Reason)
		x.modified = true
		return res.Text, nil
	default:
		return text, nil
	}
}

// validateStructured checks text against schema and returns the JSON
// document with any surrounding code fence removed.
func (e *Executor) validateStructured(schema json.RawMessage, text string) (string, error) {
	compiled, err := e.compileSchema(schema)
	if err != nil {
		return "", err
	}
	doc := stripCodeFence(text)
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return "", fmt.Errorf("answer is not JSON: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return "", err
	}
	return doc, nil
}

func (e *Executor) compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := e.schemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("output.schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	e.schemas.Store(key, compiled)
	return compiled, nil
}

func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// fail turns err into a failed result. The caller-facing message comes
// from the catalog; err itself is only logged.
func (e *Executor) fail(ctx context.Context, x *execution, err error) *models.ExecutionResult {
	if x.state != StateRejected {
		x.state = StateFailed
	}
	x.err = err
	kind := ClassifyError(err)

	level := slog.LevelWarn
	if kind == KindUnknown {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "execution failed",
		"error_kind", kind,
		"state", x.state,
		"error", err)

	return &models.ExecutionResult{
		Success:      false,
		ErrorKind:    string(kind),
		ErrorMessage: e.catalog.Message(kind),
	}
}

// complete runs in a cleanup scope after every execution, including
// cancelled ones: it persists the turn, fires after-complete hooks and
// records metrics.
func (e *Executor) complete(ctx context.Context, x *execution, result *models.ExecutionResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	e.persist(ctx, x, result)

	ev := hooks.NewEvent(hooks.PointAfterComplete, x.hc)
	ev.Command = &x.cmd
	ev.Result = result
	ev.Err = x.err
	e.hooks.RunAfter(ctx, ev)

	e.recorder.ExecutionFinished(result)
	e.logger.InfoContext(ctx, "execution finished",
		"success", result.Success,
		"error_kind", result.ErrorKind,
		"tools_used", len(result.ToolsUsed),
		"total_tokens", result.Usage.TotalTokens,
		"duration", result.Duration)
}

// persist saves the turn. A blocking execution saves the user message and
// the final answer on success. A streaming execution saves the user
// message and whatever text the last model response streamed, even when
// the execution failed or was cancelled part way, or the output guard's
// replacement when it modified the answer. Nothing is saved once the
// output guard rejected the answer.
func (e *Executor) persist(ctx context.Context, x *execution, result *models.ExecutionResult) {
	if e.store == nil || x.cmd.ConversationID == "" || x.messages == nil || x.outputRejected {
		return
	}
	var answer string
	switch {
	case x.streaming() && x.modified && result.Success:
		answer = result.Text
	case x.streaming():
		answer = x.streamed.String()
		if answer == "" {
			return
		}
	case result.Success:
		answer = result.Text
	default:
		return
	}

	user := models.UserMessage(x.cmd.UserText)
	assistant := models.AssistantMessage(answer)
	user.CreatedAt = x.hc.StartedAt
	assistant.CreatedAt = time.Now()
	if err := e.store.Append(ctx, x.cmd.ConversationID, user, assistant); err != nil {
		e.logger.WarnContext(ctx, "failed to save conversation turn", "error", err)
	}
}
