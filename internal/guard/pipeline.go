package guard

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Observer receives pipeline rejections, typically for metrics.
type Observer interface {
	GuardRejected(direction, stage string, category Category)
}

// PipelineOption configures a Pipeline or OutputPipeline.
type PipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the logger used for rejections and stage faults.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers an Observer for rejections.
func WithObserver(observer Observer) PipelineOption {
	return func(o *pipelineOptions) { o.observer = observer }
}

func buildOptions(opts []PipelineOption) pipelineOptions {
	o := pipelineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "guard")
	return o
}

// Pipeline runs input stages in order.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
	opts   pipelineOptions
}

// NewPipeline creates an input pipeline from stages.
func NewPipeline(stages []Stage, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{opts: buildOptions(opts)}
	for _, s := range stages {
		p.Add(s)
	}
	return p
}

// Add registers a stage, keeping registration order among equal Orders.
func (p *Pipeline) Add(stage Stage) {
	if stage == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, stage)
	sort.SliceStable(p.stages, func(i, j int) bool {
		return p.stages[i].Order() < p.stages[j].Order()
	})
}

// Stages returns the registered stages in execution order.
func (p *Pipeline) Stages() []Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Check runs every enabled stage against cmd. The returned Allowed result
// carries the final text in NormalizedText when any stage changed it.
func (p *Pipeline) Check(ctx context.Context, cmd Command) Result {
	original := cmd.Text

	for _, stage := range p.Stages() {
		if !stage.Enabled() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return p.reject(ctx, stage.Name(), Reject(CategorySystemError, "guard check cancelled"), err)
		}

		res, err := runStage(ctx, stage, cmd)
		if err != nil {
			return p.reject(ctx, stage.Name(), Reject(CategorySystemError, "guard stage failed"), err)
		}
		switch res.Verdict {
		case Allowed:
			if res.NormalizedText != "" {
				cmd.Text = res.NormalizedText
			}
		case Rejected:
			return p.reject(ctx, stage.Name(), res, nil)
		default:
			return p.reject(ctx, stage.Name(), Reject(CategorySystemError, "guard stage returned an unknown verdict"),
				fmt.Errorf("unknown verdict %v", res.Verdict))
		}
	}

	if cmd.Text != original {
		return AllowWithText(cmd.Text)
	}
	return Allow()
}

func (p *Pipeline) reject(ctx context.Context, stage string, res Result, cause error) Result {
	res.Verdict = Rejected
	res.Stage = stage
	if res.Category == "" {
		res.Category = CategorySystemError
	}
	if cause != nil {
		p.opts.logger.ErrorContext(ctx, "guard stage failed closed", "stage", stage, "error", cause)
	} else {
		p.opts.logger.WarnContext(ctx, "input rejected", "stage", stage, "category", res.Category, "reason", res.Reason)
	}
	if p.opts.observer != nil {
		p.opts.observer.GuardRejected("input", stage, res.Category)
	}
	return res
}

func runStage(ctx context.Context, stage Stage, cmd Command) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guard stage panic: %v\n%s", r, debug.Stack())
		}
	}()
	return stage.Check(ctx, cmd)
}
