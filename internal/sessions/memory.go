package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// DefaultMaxMessages limits messages stored per conversation in memory.
// When exceeded, the oldest messages are dropped.
const DefaultMaxMessages = 1000

// MemoryStore provides an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	messages    map[string][]models.Message
	maxMessages int
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store. maxMessages <= 0 uses
// DefaultMaxMessages.
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &MemoryStore{
		messages:    map[string][]models.Message{},
		maxMessages: maxMessages,
		now:         time.Now,
	}
}

func (m *MemoryStore) Load(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[conversationID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) Append(ctx context.Context, conversationID string, msgs ...models.Message) error {
	if conversationID == "" {
		return ErrConversationIDRequired
	}
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, msg := range msgs {
		clone := cloneMessage(msg)
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		m.messages[conversationID] = append(m.messages[conversationID], clone)
	}

	if excess := len(m.messages[conversationID]) - m.maxMessages; excess > 0 {
		m.messages[conversationID] = append([]models.Message(nil), m.messages[conversationID][excess:]...)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, conversationID)
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, msgs := range m.messages {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(m.messages, id)
			continue
		}
		m.messages[id] = kept
	}
	return removed, nil
}

// Len returns the number of conversations held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
