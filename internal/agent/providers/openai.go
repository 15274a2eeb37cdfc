package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentrt/internal/agent"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// OpenAIConfig configures an OpenAIModel. BaseURL also points the client
// at compatible servers.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
}

// OpenAIModel is an agent.ChatModel on the OpenAI chat completions API.
// Unlike the Messages API the system prompt is the first message, each
// tool result is its own message, and streamed tool calls arrive in
// fragments keyed by index. It is safe for concurrent use.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel creates the model. The default model is gpt-4o.
func NewOpenAIModel(config OpenAIConfig) (*OpenAIModel, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	cc := openai.DefaultConfig(config.APIKey)
	if url := strings.TrimSpace(config.BaseURL); url != "" {
		cc.BaseURL = url
	}
	if config.HTTPClient != nil {
		cc.HTTPClient = config.HTTPClient
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(cc),
		model:  firstNonEmpty(config.DefaultModel, openai.GPT4o),
	}, nil
}

func (p *OpenAIModel) Name() string { return "openai" }

func (p *OpenAIModel) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	chatReq := p.request(req)
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, openaiError(err, chatReq.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", chatReq.Model, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0]
	out := &agent.CompletionResponse{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: emptyObjectIfBlank(json.RawMessage(tc.Function.Arguments)),
		})
	}
	return out, nil
}

// Stream forwards text deltas as they arrive and emits each tool call once
// all its fragments are in.
func (p *OpenAIModel) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := p.request(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, openaiError(err, chatReq.Model)
	}
	out := make(chan *agent.CompletionChunk)
	go pumpOpenAIStream(ctx, stream, out, chatReq.Model)
	return out, nil
}

func (p *OpenAIModel) request(req *agent.CompletionRequest) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:     firstNonEmpty(req.Model, p.model),
		Messages:  toOpenAIMessages(req.Messages, req.System),
		MaxTokens: max(req.MaxTokens, 0),
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}
	return chatReq
}

// pendingToolCalls assembles streamed tool call fragments. The first
// fragment of an index carries ID and name; later ones extend the JSON
// arguments.
type pendingToolCalls struct {
	calls map[int]*models.ToolCall
	args  map[int]*strings.Builder
}

func (p *pendingToolCalls) add(tc openai.ToolCall) {
	if p.calls == nil {
		p.calls = map[int]*models.ToolCall{}
		p.args = map[int]*strings.Builder{}
	}
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := p.calls[idx]
	if !ok {
		call = &models.ToolCall{}
		p.calls[idx] = call
		p.args[idx] = &strings.Builder{}
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	p.args[idx].WriteString(tc.Function.Arguments)
}

// drain returns the complete calls in index order and resets.
func (p *pendingToolCalls) drain() []*models.ToolCall {
	idxs := make([]int, 0, len(p.calls))
	for i := range p.calls {
		idxs = append(idxs, i)
	}
	slices.Sort(idxs)

	var out []*models.ToolCall
	for _, i := range idxs {
		call := p.calls[i]
		if call.Name == "" {
			continue
		}
		call.Input = emptyObjectIfBlank(json.RawMessage(p.args[i].String()))
		out = append(out, call)
	}
	p.calls, p.args = nil, nil
	return out
}

func pumpOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *agent.CompletionChunk, model string) {
	defer close(out)
	defer stream.Close()

	send := func(c *agent.CompletionChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	sendTools := func(p *pendingToolCalls) bool {
		for _, call := range p.drain() {
			if !send(&agent.CompletionChunk{ToolCall: call}) {
				return false
			}
		}
		return true
	}

	var (
		pending    pendingToolCalls
		usage      *openai.Usage
		stopReason string
	)
	for {
		resp, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			if !sendTools(&pending) {
				return
			}
			done := &agent.CompletionChunk{Done: true, StopReason: stopReason}
			if usage != nil {
				done.InputTokens, done.OutputTokens = usage.PromptTokens, usage.CompletionTokens
			}
			send(done)
			return
		case err != nil && ctx.Err() != nil:
			send(&agent.CompletionChunk{Error: ctx.Err()})
			return
		case err != nil:
			send(&agent.CompletionChunk{Error: openaiError(err, model)})
			return
		}

		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" && !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
			return
		}
		for _, tc := range choice.Delta.ToolCalls {
			pending.add(tc)
		}
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls && !sendTools(&pending) {
			return
		}
	}
}

// toOpenAIMessages puts system first and drops system-role history, which
// already travels in the prompt.
func toOpenAIMessages(msgs []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: string(call.Input)},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return out
}

// toOpenAITools describes tools as functions. A schema that does not parse
// becomes an empty object schema so the other tools stay callable.
func toOpenAITools(tools []agent.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params map[string]any
		if json.Unmarshal(tool.Schema(), &params) != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  params,
			},
		})
	}
	return out
}

// openaiError converts client failures into a *ProviderError. Context
// errors pass through unchanged.
func openaiError(err error, model string) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		code, _ := apiErr.Code.(string)
		if code = firstNonEmpty(code, apiErr.Type); code != "" {
			pe = pe.WithCode(code)
		}
		if apiErr.Message != "" {
			pe = pe.WithMessage(apiErr.Message)
		}
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			pe = pe.WithMessage(reqErr.Err.Error())
		}
		return pe
	}
	return NewProviderError("openai", model, fmt.Errorf("openai: %w", err))
}
