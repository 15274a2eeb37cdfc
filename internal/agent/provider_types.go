package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// ChatModel is the language model behind the loop. Implementations must be
// safe for concurrent use: executions share one model.
//
// providers.AnthropicModel and providers.OpenAIModel adapt the vendor SDKs;
// providers.FailoverModel chains several of them.
type ChatModel interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream returns incremental chunks. The channel is closed after a
	// chunk with Done or Error set.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is one model call. The system prompt travels in System;
// Messages never contain system-role turns.
type CompletionRequest struct {
	Model    string           `json:"model"` // empty: provider default
	System   string           `json:"system,omitempty"`
	Messages []models.Message `json:"messages"`

	// Tools the model may call. Empty forces a text answer, which is how
	// the loop asks for a final answer once the tool budget is spent.
	Tools []Tool `json:"tools,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionResponse is either final text or a set of tool calls.
type CompletionResponse struct {
	Text       string            `json:"text,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	Usage      models.Usage      `json:"usage"`
	StopReason string            `json:"stop_reason,omitempty"`
}

// HasToolCalls reports whether the model asked for tools.
func (r *CompletionResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// CompletionChunk is one streaming event. Tool calls arrive whole; token
// counts and the stop reason arrive on the last chunk.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// Tool is something the model can call. NewFuncTool adapts a typed Go
// function.
type Tool interface {
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema of the parameters. Arguments are validated
	// against it before Execute runs.
	Schema() json.RawMessage

	// Execute runs the tool. An error becomes an error result for the
	// model; it never aborts the execution.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is what a tool hands back.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ResponseChunk is one event of ExecuteStreaming: answer text, a tool
// lifecycle event, or the final Result. Error accompanies Result when the
// execution failed or an output guard acted on text already sent.
type ResponseChunk struct {
	Text      string                  `json:"text,omitempty"`
	ToolEvent *models.ToolEvent       `json:"tool_event,omitempty"`
	Result    *models.ExecutionResult `json:"result,omitempty"`
	Error     error                   `json:"-"`
}
