package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/agentrt/internal/agent"
	"github.com/haasonsaas/agentrt/pkg/models"
)

const (
	anthropicDefaultModel = "claude-sonnet-4-20250514"

	// The Messages API requires max_tokens on every request.
	anthropicMaxTokens = 4096

	// Consecutive events without content before a stream is declared broken.
	anthropicIdleEventLimit = 100
)

// AnthropicConfig configures an AnthropicModel.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
}

// AnthropicModel is an agent.ChatModel on the Anthropic Messages API. It is
// safe for concurrent use.
type AnthropicModel struct {
	client anthropic.Client
	model  string
}

// NewAnthropicModel creates the model with the SDK's own retries disabled.
func NewAnthropicModel(config AnthropicConfig) (*AnthropicModel, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if url := strings.TrimSpace(config.BaseURL); url != "" {
		opts = append(opts, option.WithBaseURL(url))
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}
	model := config.DefaultModel
	if model == "" {
		model = anthropicDefaultModel
	}
	return &AnthropicModel{client: anthropic.NewClient(opts...), model: model}, nil
}

func (p *AnthropicModel) Name() string { return "anthropic" }

func (p *AnthropicModel) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, anthropicError(err, string(params.Model))
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	resp := &agent.CompletionResponse{
		StopReason: string(msg.StopReason),
		Usage:      models.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: emptyObjectIfBlank(block.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func (p *AnthropicModel) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan *agent.CompletionChunk)
	go pumpAnthropicStream(ctx, stream, out, string(params.Model))
	return out, nil
}

func (p *AnthropicModel) params(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(firstNonEmpty(req.Model, p.model)),
		Messages:  msgs,
		MaxTokens: int64(anthropicMaxTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, tool := range req.Tools {
		param, err := toAnthropicTool(tool)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = append(params.Tools, param)
	}
	return params, nil
}

// anthropicStream tracks one SSE stream. Tool input arrives as partial
// JSON between content_block_start and content_block_stop.
type anthropicStream struct {
	model      string
	tool       *models.ToolCall
	toolInput  strings.Builder
	inTokens   int
	outTokens  int
	stopReason string
	idle       int
}

// next turns one event into at most one chunk. done reports the end of
// the stream.
func (s *anthropicStream) next(event anthropic.MessageStreamEventUnion) (chunk *agent.CompletionChunk, done bool) {
	useful := true
	switch event.Type {
	case "message_start":
		s.inTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
	case "content_block_start":
		if block := event.AsContentBlockStart().ContentBlock; block.Type == "tool_use" {
			use := block.AsToolUse()
			s.tool = &models.ToolCall{ID: use.ID, Name: use.Name}
			s.toolInput.Reset()
		}
	case "content_block_delta":
		delta := event.AsContentBlockDelta().Delta
		switch {
		case delta.Type == "text_delta" && delta.Text != "":
			chunk = &agent.CompletionChunk{Text: delta.Text}
		case delta.Type == "input_json_delta" && delta.PartialJSON != "":
			s.toolInput.WriteString(delta.PartialJSON)
		default:
			useful = false
		}
	case "content_block_stop":
		if s.tool != nil {
			s.tool.Input = emptyObjectIfBlank(json.RawMessage(s.toolInput.String()))
			chunk = &agent.CompletionChunk{ToolCall: s.tool}
			s.tool = nil
		}
	case "message_delta":
		md := event.AsMessageDelta()
		if md.Usage.OutputTokens > 0 {
			s.outTokens = int(md.Usage.OutputTokens)
		}
		if md.Delta.StopReason != "" {
			s.stopReason = string(md.Delta.StopReason)
		}
	case "message_stop":
		return &agent.CompletionChunk{
			Done:         true,
			InputTokens:  s.inTokens,
			OutputTokens: s.outTokens,
			StopReason:   s.stopReason,
		}, true
	case "error":
		return &agent.CompletionChunk{Error: anthropicError(errors.New("anthropic stream error"), s.model)}, true
	default:
		useful = false
	}

	if useful {
		s.idle = 0
		return chunk, false
	}
	if s.idle++; s.idle >= anthropicIdleEventLimit {
		err := fmt.Errorf("stream appears malformed: %d consecutive events without content", s.idle)
		return &agent.CompletionChunk{Error: anthropicError(err, s.model)}, true
	}
	return nil, false
}

func pumpAnthropicStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.CompletionChunk, model string) {
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

	state := &anthropicStream{model: model}
	for stream.Next() {
		chunk, done := state.next(stream.Current())
		if chunk != nil && !send(chunk) {
			return
		}
		if done {
			return
		}
	}

	switch err := stream.Err(); {
	case err != nil && ctx.Err() != nil:
		send(&agent.CompletionChunk{Error: ctx.Err()})
	case err != nil:
		send(&agent.CompletionChunk{Error: anthropicError(err, model)})
	default:
		send(&agent.CompletionChunk{Error: anthropicError(errors.New("stream ended before message_stop"), model)})
	}
}

// toAnthropicMessages drops system turns and turns each run of tool
// messages into a single user turn of tool_result blocks, which the API
// requires after an assistant turn with several tool_use blocks.
func toAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}
		if msg.Role == models.RoleTool {
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flush()
		if msg.Role != models.RoleAssistant {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			input := map[string]any{}
			if len(call.Input) > 0 {
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s has invalid input: %w", call.Name, err)
				}
				if input == nil {
					input = map[string]any{}
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(blocks) > 0 {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return out, nil
}

func toAnthropicTool(tool agent.Tool) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if raw := tool.Schema(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s has invalid schema: %w", tool.Name(), err)
		}
	}
	param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s: missing tool definition", tool.Name())
	}
	param.OfTool.Description = anthropic.String(tool.Description())
	return param, nil
}

// anthropicError converts SDK failures into a *ProviderError. Context
// errors pass through so cancellation stays recognizable.
func anthropicError(err error, model string) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	pe := (&ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}).
		WithStatus(apiErr.StatusCode)
	requestID := apiErr.RequestID

	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &body) == nil {
		if body.Error.Type != "" {
			pe = pe.WithCode(body.Error.Type)
		}
		if body.Error.Message != "" {
			pe = pe.WithMessage(body.Error.Message)
		}
		requestID = firstNonEmpty(body.RequestID, requestID)
	}
	if pe.Message == "" {
		pe.Message = "anthropic request failed"
	}
	if requestID != "" {
		pe = pe.WithRequestID(requestID)
	}
	return pe
}

// emptyObjectIfBlank turns absent tool input into {}.
func emptyObjectIfBlank(raw json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(raw)) == "" {
		return json.RawMessage("{}")
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
