// Package sessions persists conversation history for the executor.
//
// A conversation is an ordered list of models.Message keyed by the
// command's ConversationID. Stores satisfy agent.SessionStore and add the
// housekeeping operations used by the CLI and the maintenance scheduler.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// ErrConversationIDRequired is returned when an operation is called with an
// empty conversation ID.
var ErrConversationIDRequired = errors.New("conversation ID is required")

// Store is the interface for conversation persistence.
type Store interface {
	// Load returns the last limit messages of a conversation in
	// chronological order. A non-positive limit returns everything.
	Load(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// Append adds msgs to the end of a conversation.
	Append(ctx context.Context, conversationID string, msgs ...models.Message) error

	// Delete removes a conversation.
	Delete(ctx context.Context, conversationID string) error

	// Prune removes messages created before cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

func cloneMessage(msg models.Message) models.Message {
	if len(msg.ToolCalls) > 0 {
		msg.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	}
	return msg
}
