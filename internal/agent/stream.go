package agent

import (
	"context"
	"errors"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// streamBuffer is the capacity of the ExecuteStreaming channel.
const streamBuffer = 64

// ExecuteStreaming runs cmd and returns its events as they happen: text
// fragments of each model response, tool lifecycle events, and a final
// chunk carrying the ExecutionResult. The channel is closed after the
// final chunk.
//
// Guards and hooks behave as in Execute, except that output guards see
// the answer only once it has been fully streamed. A rejection or
// modification therefore cannot take back text already sent: it is
// reported on the final chunk's Error (ErrOutputModified for a
// modification, with the replacement in Result.Text).
//
// The consumer must drain the channel or cancel ctx.
func (e *Executor) ExecuteStreaming(ctx context.Context, cmd models.Command) <-chan *ResponseChunk {
	out := make(chan *ResponseChunk, streamBuffer)

	go func() {
		defer close(out)

		sink := func(chunk *ResponseChunk) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		x := newExecution(cmd, sink)
		result := e.run(ctx, x)

		final := &ResponseChunk{Result: result}
		switch {
		case !result.Success:
			final.Error = streamError(result, x.err)
		case x.modified:
			final.Error = ErrOutputModified
		}
		// The final chunk is delivered even when ctx is done, as long as
		// the consumer is still reading.
		select {
		case out <- final:
		case <-ctx.Done():
			select {
			case out <- final:
			default:
			}
		}
	}()

	return out
}

// streamError returns the terminal error of a failed streaming execution
// as an *ExecutionError carrying the result's kind.
func streamError(result *models.ExecutionResult, cause error) error {
	var execErr *ExecutionError
	if errors.As(cause, &execErr) {
		return cause
	}
	return NewExecutionError(ErrorKind(result.ErrorKind), result.ErrorMessage).WithCause(cause)
}

// streamAccumulator folds CompletionChunks into a CompletionResponse.
type streamAccumulator struct {
	resp CompletionResponse
	text []byte
}

func (a *streamAccumulator) add(c *CompletionChunk) {
	a.text = append(a.text, c.Text...)
	if c.ToolCall != nil {
		a.resp.ToolCalls = append(a.resp.ToolCalls, *c.ToolCall)
	}
	if c.InputTokens > 0 || c.OutputTokens > 0 {
		a.resp.Usage = models.Usage{
			PromptTokens:     c.InputTokens,
			CompletionTokens: c.OutputTokens,
			TotalTokens:      c.InputTokens + c.OutputTokens,
		}
	}
	if c.StopReason != "" {
		a.resp.StopReason = c.StopReason
	}
}

func (a *streamAccumulator) response() *CompletionResponse {
	resp := a.resp
	resp.Text = string(a.text)
	return &resp
}

// CollectStream drains chunks into one response. onText, when set, sees
// each text fragment as it arrives. On error the partial response is
// returned alongside it.
func CollectStream(ctx context.Context, chunks <-chan *CompletionChunk, onText func(string)) (*CompletionResponse, error) {
	var acc streamAccumulator
	for {
		var chunk *CompletionChunk
		var ok bool
		select {
		case <-ctx.Done():
			return acc.response(), ctx.Err()
		case chunk, ok = <-chunks:
		}
		switch {
		case !ok:
			return acc.response(), nil
		case chunk == nil:
			continue
		case chunk.Error != nil:
			return acc.response(), chunk.Error
		}
		acc.add(chunk)
		if chunk.Text != "" && onText != nil {
			onText(chunk.Text)
		}
		if chunk.Done {
			return acc.response(), nil
		}
	}
}
