// Package guard implements the ordered, fail-closed security pipelines that
// screen requests before execution and final answers after it.
//
// Stages run sequentially in ascending Order. Disabled stages are skipped.
// The first rejection short-circuits the pipeline, and an error or panic in
// any stage rejects the request with CategorySystemError.
package guard

import (
	"context"
	"fmt"
)

// Category classifies why a request or answer was rejected.
type Category string

const (
	CategoryNormalization Category = "suspicious_encoding"
	CategoryRateLimited   Category = "rate_limited"
	CategoryInvalidInput  Category = "invalid_input"
	CategoryInjection     Category = "prompt_injection"
	CategoryContent       Category = "content_policy"
	CategoryPermission    Category = "permission_denied"
	CategoryOutputPolicy  Category = "output_policy"
	CategoryLeakage       Category = "system_prompt_leakage"
	CategorySystemError   Category = "system_error"
)

// Command is the input screened by the input pipeline.
type Command struct {
	CallerID     string
	TenantID     string
	Text         string
	SystemPrompt string
	Channel      string
	Metadata     map[string]string
}

// Verdict is the outcome of an input stage.
type Verdict int

const (
	Allowed Verdict = iota
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Result is the tagged union returned by input stages and the pipeline.
//
// Allowed results may carry NormalizedText; when set, later stages see it
// instead of the original text. Rejected results carry Reason, Category
// and the name of the Stage that rejected.
type Result struct {
	Verdict        Verdict  `json:"verdict"`
	NormalizedText string   `json:"normalized_text,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Category       Category `json:"category,omitempty"`
	Stage          string   `json:"stage,omitempty"`
}

// Allow returns an Allowed result with no text change.
func Allow() Result {
	return Result{Verdict: Allowed}
}

// AllowWithText returns an Allowed result that replaces the command text.
func AllowWithText(text string) Result {
	return Result{Verdict: Allowed, NormalizedText: text}
}

// Reject returns a Rejected result. The pipeline fills in Stage.
func Reject(category Category, reason string) Result {
	return Result{Verdict: Rejected, Category: category, Reason: reason}
}

// IsAllowed reports whether the result lets the request through.
func (r Result) IsAllowed() bool {
	return r.Verdict == Allowed
}

// Stage is one ordered check in the input pipeline.
type Stage interface {
	Name() string
	Order() int
	Enabled() bool
	Check(ctx context.Context, cmd Command) (Result, error)
}

// StageOptions carries the ordering and enablement shared by all stages.
type StageOptions struct {
	Order   int  `yaml:"order"`
	Enabled bool `yaml:"enabled"`
}

// base implements the Name/Order/Enabled half of Stage and OutputStage.
type base struct {
	name    string
	order   int
	enabled bool
}

func newBase(name string, opts StageOptions) base {
	return base{name: name, order: opts.Order, enabled: opts.Enabled}
}

func (b base) Name() string  { return b.name }
func (b base) Order() int    { return b.order }
func (b base) Enabled() bool { return b.enabled }

// Canonical input stage orders.
const (
	OrderNormalization  = 10
	OrderRateLimit      = 20
	OrderValidation     = 30
	OrderInjection      = 40
	OrderClassification = 50
	OrderPermission     = 60
)

// Canonical output stage orders.
const (
	OrderPII          = 10
	OrderDynamicRules = 20
	OrderStaticRules  = 30
	OrderCanary       = 40
)
