package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/pkg/models"
)

func drain(t *testing.T, ch <-chan *ResponseChunk) (string, []*models.ToolEvent, *ResponseChunk) {
	t.Helper()
	var text strings.Builder
	var events []*models.ToolEvent
	var final *ResponseChunk
	for chunk := range ch {
		switch {
		case chunk.Result != nil:
			require.Nil(t, final, "only one final chunk")
			final = chunk
		case chunk.ToolEvent != nil:
			events = append(events, chunk.ToolEvent)
		default:
			text.WriteString(chunk.Text)
		}
	}
	require.NotNil(t, final, "stream must end with a result chunk")
	return text.String(), events, final
}

func TestExecuteStreaming_TextAndToolEvents(t *testing.T) {
	store := newMemoryStore()
	model := newScriptedModel(
		toolStep(toolCall("c1", "lookup", "")),
		textStep("hello streaming world"),
	)
	exec := newTestExecutor(t, model, WithTools(&fakeTool{name: "lookup"}), WithSessionStore(store))

	text, events, final := drain(t, exec.ExecuteStreaming(context.Background(), models.Command{
		CallerID:       "u1",
		ConversationID: "conv",
		UserText:       "q",
	}))

	assert.Equal(t, "hello streaming world", text)
	require.NoError(t, final.Error)
	require.True(t, final.Result.Success)
	assert.Equal(t, "hello streaming world", final.Result.Text)
	assert.Equal(t, 30, final.Result.Usage.TotalTokens)

	var stages []models.ToolEventStage
	for _, ev := range events {
		assert.Equal(t, "c1", ev.ToolCallID)
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []models.ToolEventStage{
		models.ToolEventRequested,
		models.ToolEventStarted,
		models.ToolEventSucceeded,
	}, stages)

	saved, err := store.Load(context.Background(), "conv", 0)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "hello streaming world", saved[1].Content)
}

func TestExecuteStreaming_OutputModifiedIsTerminalError(t *testing.T) {
	model := newScriptedModel(textStep("this is SECRET info"))
	exec := newTestExecutor(t, model, WithOutputGuard(secretMaskPipeline(t)))

	text, _, final := drain(t, exec.ExecuteStreaming(context.Background(), models.Command{CallerID: "u1", UserText: "q"}))

	assert.Equal(t, "this is SECRET info", text, "emitted chunks are not rewritten")
	assert.ErrorIs(t, final.Error, ErrOutputModified)
	assert.True(t, final.Result.Success)
	assert.Equal(t, "this is [REDACTED] info", final.Result.Text)
}

func TestExecuteStreaming_PersistsOnlyScreenedText(t *testing.T) {
	cmd := models.Command{CallerID: "u1", ConversationID: "conv", UserText: "q"}

	t.Run("rejected answer is not saved", func(t *testing.T) {
		stage, err := guard.NewStaticRulesStage(
			[]guard.Rule{{Name: "leak", Pattern: "SECRET", Action: guard.ActionReject}},
			guard.StageOptions{Order: guard.OrderStaticRules, Enabled: true},
		)
		require.NoError(t, err)
		store := newMemoryStore()
		model := newScriptedModel(textStep("this is SECRET info"))
		exec := newTestExecutor(t, model,
			WithOutputGuard(guard.NewOutputPipeline([]guard.OutputStage{stage})),
			WithSessionStore(store))

		_, _, final := drain(t, exec.ExecuteStreaming(context.Background(), cmd))

		assert.False(t, final.Result.Success)
		assert.Equal(t, string(KindGuardRejected), final.Result.ErrorKind)
		history, err := store.Load(context.Background(), "conv", 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("modified answer is saved masked", func(t *testing.T) {
		store := newMemoryStore()
		model := newScriptedModel(textStep("this is SECRET info"))
		exec := newTestExecutor(t, model, WithOutputGuard(secretMaskPipeline(t)), WithSessionStore(store))

		drain(t, exec.ExecuteStreaming(context.Background(), cmd))

		history, err := store.Load(context.Background(), "conv", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "this is [REDACTED] info", history[1].Content)
	})
}

func TestExecuteStreaming_FailureCarriesKind(t *testing.T) {
	model := newScriptedModel(errStep(statusError{401}))
	exec := newTestExecutor(t, model)

	_, _, final := drain(t, exec.ExecuteStreaming(context.Background(), models.Command{CallerID: "u1", UserText: "q"}))

	require.Error(t, final.Error)
	var execErr *ExecutionError
	require.True(t, errors.As(final.Error, &execErr))
	assert.Equal(t, KindUnknown, execErr.Kind)
	assert.False(t, final.Result.Success)
}

// partialModel streams some text and then fails.
type partialModel struct {
	calls int
}

func (m *partialModel) Name() string { return "partial" }

func (m *partialModel) Complete(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	return nil, errors.New("not supported")
}

func (m *partialModel) Stream(ctx context.Context, _ *CompletionRequest) (<-chan *CompletionChunk, error) {
	m.calls++
	ch := make(chan *CompletionChunk, 3)
	ch <- &CompletionChunk{Text: "partial "}
	ch <- &CompletionChunk{Text: "answer"}
	ch <- &CompletionChunk{Error: statusError{503}}
	close(ch)
	return ch, nil
}

func TestExecuteStreaming_NoRetryAfterTextWasSent(t *testing.T) {
	store := newMemoryStore()
	model := &partialModel{}
	exec := newTestExecutor(t, model, WithSessionStore(store))

	text, _, final := drain(t, exec.ExecuteStreaming(context.Background(), models.Command{
		CallerID:       "u1",
		ConversationID: "conv",
		UserText:       "q",
	}))

	assert.Equal(t, "partial answer", text)
	assert.Equal(t, 1, model.calls)
	assert.False(t, final.Result.Success)

	saved, err := store.Load(context.Background(), "conv", 0)
	require.NoError(t, err)
	require.Len(t, saved, 2, "partial stream is still saved")
	assert.Equal(t, "partial answer", saved[1].Content)
}
