package guard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
)

// OutputVerdict is the outcome of an output stage.
type OutputVerdict int

const (
	OutputAllowed OutputVerdict = iota
	OutputModified
	OutputRejected
)

func (v OutputVerdict) String() string {
	switch v {
	case OutputAllowed:
		return "allowed"
	case OutputModified:
		return "modified"
	case OutputRejected:
		return "rejected"
	default:
		return fmt.Sprintf("output_verdict(%d)", int(v))
	}
}

// OutputCommand is the final answer screened by the output pipeline.
type OutputCommand struct {
	CallerID     string
	TenantID     string
	Text         string
	SystemPrompt string
	Metadata     map[string]string
}

// OutputResult is the tagged union returned by output stages.
// Text holds the replacement for OutputModified.
type OutputResult struct {
	Verdict  OutputVerdict `json:"verdict"`
	Text     string        `json:"text,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Category Category      `json:"category,omitempty"`
	Stage    string        `json:"stage,omitempty"`
}

// Pass returns an OutputAllowed result.
func Pass() OutputResult {
	return OutputResult{Verdict: OutputAllowed}
}

// Modify returns an OutputModified result carrying text.
func Modify(text, reason string) OutputResult {
	return OutputResult{Verdict: OutputModified, Text: text, Reason: reason}
}

// Block returns an OutputRejected result.
func Block(category Category, reason string) OutputResult {
	return OutputResult{Verdict: OutputRejected, Category: category, Reason: reason}
}

// OutputStage is one ordered check in the output pipeline.
type OutputStage interface {
	Name() string
	Order() int
	Enabled() bool
	Check(ctx context.Context, out OutputCommand) (OutputResult, error)
}

// OutputPipeline runs output stages in order.
type OutputPipeline struct {
	mu     sync.RWMutex
	stages []OutputStage
	opts   pipelineOptions
}

// NewOutputPipeline creates an output pipeline from stages.
func NewOutputPipeline(stages []OutputStage, opts ...PipelineOption) *OutputPipeline {
	p := &OutputPipeline{opts: buildOptions(opts)}
	for _, s := range stages {
		p.Add(s)
	}
	return p
}

// Add registers a stage, keeping registration order among equal Orders.
func (p *OutputPipeline) Add(stage OutputStage) {
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
func (p *OutputPipeline) Stages() []OutputStage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OutputStage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Check runs every enabled stage against out. A Modified result feeds its
// text to the next stage; the pipeline reports OutputModified with the
// final text when any stage changed it.
func (p *OutputPipeline) Check(ctx context.Context, out OutputCommand) OutputResult {
	original := out.Text
	var reasons []string

	for _, stage := range p.Stages() {
		if !stage.Enabled() {
			continue
		}

		res, err := runOutputStage(ctx, stage, out)
		if err != nil {
			return p.reject(ctx, stage.Name(), Block(CategorySystemError, "output guard stage failed"), err)
		}
		switch res.Verdict {
		case OutputAllowed:
		case OutputModified:
			out.Text = res.Text
			if res.Reason != "" {
				reasons = append(reasons, res.Reason)
			}
		case OutputRejected:
			return p.reject(ctx, stage.Name(), res, nil)
		default:
			return p.reject(ctx, stage.Name(), Block(CategorySystemError, "output guard stage returned an unknown verdict"),
				fmt.Errorf("unknown verdict %v", res.Verdict))
		}
	}

	if out.Text != original {
		return OutputResult{Verdict: OutputModified, Text: out.Text, Reason: strings.Join(reasons, "; ")}
	}
	return OutputResult{Verdict: OutputAllowed, Text: out.Text}
}

func (p *OutputPipeline) reject(ctx context.Context, stage string, res OutputResult, cause error) OutputResult {
	res.Verdict = OutputRejected
	res.Stage = stage
	res.Text = ""
	if res.Category == "" {
		res.Category = CategorySystemError
	}
	if cause != nil {
		p.opts.logger.ErrorContext(ctx, "output guard stage failed closed", "stage", stage, "error", cause)
	} else {
		p.opts.logger.WarnContext(ctx, "output rejected", "stage", stage, "category", res.Category, "reason", res.Reason)
	}
	if p.opts.observer != nil {
		p.opts.observer.GuardRejected("output", stage, res.Category)
	}
	return res
}

func runOutputStage(ctx context.Context, stage OutputStage, out OutputCommand) (res OutputResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("output guard stage panic: %v\n%s", r, debug.Stack())
		}
	}()
	return stage.Check(ctx, out)
}
