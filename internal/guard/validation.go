package guard

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
)

// ValidationConfig bounds input sizes.
type ValidationConfig struct {
	StageOptions `yaml:",inline"`

	// MaxInputChars caps the user text length in characters.
	MaxInputChars int `yaml:"max_input_chars"`

	// MaxSystemPromptTokens caps the estimated size of the system prompt.
	MaxSystemPromptTokens int `yaml:"max_system_prompt_tokens"`
}

// DefaultValidationConfig returns the standard limits.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		StageOptions:          StageOptions{Order: OrderValidation, Enabled: true},
		MaxInputChars:         32000,
		MaxSystemPromptTokens: 16000,
	}
}

// ValidationStage rejects empty, oversized or malformed input.
type ValidationStage struct {
	base
	cfg       ValidationConfig
	estimator ctxwindow.TokenEstimator
}

// NewValidationStage creates the validation stage. A nil estimator uses
// the default script-weighted estimator.
func NewValidationStage(cfg ValidationConfig, est ctxwindow.TokenEstimator) *ValidationStage {
	if est == nil {
		est = ctxwindow.DefaultEstimator()
	}
	return &ValidationStage{base: newBase("validation", cfg.StageOptions), cfg: cfg, estimator: est}
}

// Check implements Stage.
func (s *ValidationStage) Check(_ context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Text) == "" {
		return Reject(CategoryInvalidInput, "input is empty"), nil
	}
	if !utf8.ValidString(cmd.Text) {
		return Reject(CategoryInvalidInput, "input is not valid UTF-8"), nil
	}
	if s.cfg.MaxInputChars > 0 {
		if n := utf8.RuneCountInString(cmd.Text); n > s.cfg.MaxInputChars {
			return Reject(CategoryInvalidInput,
				fmt.Sprintf("input too long: %d characters exceeds limit of %d", n, s.cfg.MaxInputChars)), nil
		}
	}
	if s.cfg.MaxSystemPromptTokens > 0 && cmd.SystemPrompt != "" {
		if n := s.estimator.Estimate(cmd.SystemPrompt); n > s.cfg.MaxSystemPromptTokens {
			return Reject(CategoryInvalidInput,
				fmt.Sprintf("system prompt too large: ~%d tokens exceeds limit of %d", n, s.cfg.MaxSystemPromptTokens)), nil
		}
	}
	return Allow(), nil
}
