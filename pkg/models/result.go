package models

import (
	"encoding/json"
	"time"
)

// Usage is token usage accumulated across model calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	if other.TotalTokens == 0 {
		u.TotalTokens += other.PromptTokens + other.CompletionTokens
	}
}

// PendingApproval is returned when a hook parks the execution for approval.
type PendingApproval struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ExecutionResult is the outcome of one execution.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	RunID           string           `json:"run_id"`
	Text            string           `json:"text,omitempty"`
	ToolsUsed       []string         `json:"tools_used,omitempty"`
	Usage           Usage            `json:"usage"`
	Duration        time.Duration    `json:"duration"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
}

// ToolCallRecord tracks a single tool invocation through the orchestrator.
type ToolCallRecord struct {
	Index     int             `json:"index"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Success   bool            `json:"success"`
	Duration  time.Duration   `json:"duration"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Content returns the text fed back to the model for this call.
func (r ToolCallRecord) Content() string {
	if r.Success {
		return r.Result
	}
	return r.Error
}
