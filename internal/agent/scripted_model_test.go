package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// step is one scripted model reply.
type step struct {
	resp *CompletionResponse
	err  error
	// wait blocks the call until ctx is done.
	wait bool
}

func textStep(text string) step {
	return step{resp: &CompletionResponse{Text: text, Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}}
}

func toolStep(calls ...models.ToolCall) step {
	return step{resp: &CompletionResponse{ToolCalls: calls, Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}}
}

func errStep(err error) step { return step{err: err} }

func toolCall(id, name, args string) models.ToolCall {
	if args == "" {
		args = "{}"
	}
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

// scriptedModel replays steps in order and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []CompletionRequest
}

func newScriptedModel(steps ...step) *scriptedModel {
	return &scriptedModel{steps: steps}
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) next(req *CompletionRequest) (step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = models.CloneMessages(req.Messages)
	cp.Tools = append([]Tool(nil), req.Tools...)
	m.requests = append(m.requests, cp)
	if len(m.steps) == 0 {
		return step{}, errors.New("scripted model: no more steps")
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s, nil
}

func (m *scriptedModel) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if s.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	return &resp, nil
}

// Stream replays the step word by word.
func (m *scriptedModel) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	s, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		send := func(c *CompletionChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if s.wait {
			<-ctx.Done()
			send(&CompletionChunk{Error: ctx.Err()})
			return
		}
		for _, word := range strings.SplitAfter(s.resp.Text, " ") {
			if word == "" {
				continue
			}
			if !send(&CompletionChunk{Text: word}) {
				return
			}
		}
		for i := range s.resp.ToolCalls {
			if !send(&CompletionChunk{ToolCall: &s.resp.ToolCalls[i]}) {
				return
			}
		}
		send(&CompletionChunk{
			Done:         true,
			InputTokens:  s.resp.Usage.PromptTokens,
			OutputTokens: s.resp.Usage.CompletionTokens,
		})
	}()
	return ch, nil
}

func (m *scriptedModel) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

// fakeTool is a configurable Tool for tests.
type fakeTool struct {
	name   string
	schema json.RawMessage
	delay  time.Duration
	fn     func(ctx context.Context, params json.RawMessage) (*ToolResult, error)

	mu    sync.Mutex
	calls []json.RawMessage
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool " + t.name }
func (t *fakeTool) Schema() json.RawMessage {
	if t.schema != nil {
		return t.schema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, params)
	t.mu.Unlock()
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.fn != nil {
		return t.fn(ctx, params)
	}
	return &ToolResult{Content: t.name + " ok"}, nil
}

func (t *fakeTool) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// memoryStore is an in-package SessionStore.
type memoryStore struct {
	mu   sync.Mutex
	data map[string][]models.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]models.Message)}
}

func (s *memoryStore) Load(_ context.Context, id string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.data[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return models.CloneMessages(msgs), nil
}

func (s *memoryStore) Append(_ context.Context, id string, msgs ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append(s.data[id], msgs...)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }
