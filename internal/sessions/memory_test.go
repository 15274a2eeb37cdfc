package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/agentrt/pkg/models"
)

func TestMemoryStore_AppendLoad(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	err := store.Append(ctx, "conv-1",
		models.Message{Role: models.RoleUser, Content: "hi"},
		models.Message{Role: models.RoleAssistant, Content: "hello"},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := store.Load(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Content != "hello" {
		t.Fatalf("unexpected history: %+v", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}

	empty, err := store.Load(ctx, "missing", 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty history, got %v %v", empty, err)
	}
}

func TestMemoryStore_LoadLimitKeepsTail(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, "c", models.Message{Role: models.RoleUser, Content: fmt.Sprint(i)})
	}

	got, _ := store.Load(ctx, "c", 2)
	if len(got) != 2 || got[0].Content != "3" || got[1].Content != "4" {
		t.Errorf("expected last two messages in order, got %+v", got)
	}
}

func TestMemoryStore_Cap(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, "c", models.Message{Role: models.RoleUser, Content: fmt.Sprint(i)})
	}

	got, _ := store.Load(ctx, "c", 0)
	if len(got) != 3 || got[0].Content != "2" {
		t.Errorf("expected oldest messages dropped, got %+v", got)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	msg := models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "1", Name: "lookup", Input: json.RawMessage(`{}`)}},
	}
	_ = store.Append(ctx, "c", msg)
	msg.ToolCalls[0].Name = "mutated"

	got, _ := store.Load(ctx, "c", 0)
	got[0].ToolCalls[0].Name = "also-mutated"

	again, _ := store.Load(ctx, "c", 0)
	if again[0].ToolCalls[0].Name != "lookup" {
		t.Errorf("store aliased caller slices: %q", again[0].ToolCalls[0].Name)
	}
}

func TestMemoryStore_EmptyConversationID(t *testing.T) {
	store := NewMemoryStore(0)
	if err := store.Append(context.Background(), "", models.Message{}); err != ErrConversationIDRequired {
		t.Errorf("expected ErrConversationIDRequired, got %v", err)
	}
	if _, err := store.Load(context.Background(), "", 0); err != ErrConversationIDRequired {
		t.Errorf("expected ErrConversationIDRequired, got %v", err)
	}
}

func TestMemoryStore_DeleteAndPrune(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	_ = store.Append(ctx, "stale", models.Message{Role: models.RoleUser, Content: "x", CreatedAt: old})
	_ = store.Append(ctx, "mixed",
		models.Message{Role: models.RoleUser, Content: "old", CreatedAt: old},
		models.Message{Role: models.RoleUser, Content: "new"},
	)
	_ = store.Append(ctx, "gone", models.Message{Role: models.RoleUser, Content: "y"})

	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	removed, err := store.Prune(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 pruned messages, got %d", removed)
	}
	if store.Len() != 1 {
		t.Errorf("expected only the mixed conversation to remain, got %d", store.Len())
	}
	got, _ := store.Load(ctx, "mixed", 0)
	if len(got) != 1 || got[0].Content != "new" {
		t.Errorf("unexpected remaining history: %+v", got)
	}
}
