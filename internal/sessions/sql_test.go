package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// setupMockDB creates a postgres-dialect store over a mock database.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, NewSQLStore(db, DialectPostgres)
}

func TestSQLStore_Append(t *testing.T) {
	_, mock, store := setupMockDB(t)
	created := time.Unix(1700000000, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM conversation_messages WHERE conversation_id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(4)))
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WithArgs(sqlmock.AnyArg(), "conv-1", int64(5), "user", "hi", "", "", "", false, created.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WithArgs(sqlmock.AnyArg(), "conv-1", int64(6), "assistant", "", `[{"id":"t1","name":"lookup","input":{"q":1}}]`, "", "", false, created.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Append(context.Background(), "conv-1",
		models.Message{Role: models.RoleUser, Content: "hi", CreatedAt: created},
		models.Message{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "t1", Name: "lookup", Input: json.RawMessage(`{"q":1}`)}},
			CreatedAt: created,
		},
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_AppendRollsBackOnInsertError(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO conversation_messages`).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := store.Append(context.Background(), "conv-1", models.Message{Role: models.RoleUser, Content: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_LoadWithLimit(t *testing.T) {
	_, mock, store := setupMockDB(t)
	created := time.Unix(1700000000, 0)

	rows := sqlmock.NewRows([]string{"role", "content", "tool_calls", "tool_call_id", "tool_name", "is_error", "created_at"}).
		AddRow("assistant", "", `[{"id":"t1","name":"lookup","input":{}}]`, "", "", false, created.UnixNano()).
		AddRow("tool", "sunny", "", "t1", "lookup", false, created.UnixNano())
	mock.ExpectQuery(`ORDER BY seq DESC\s+LIMIT \$2`).
		WithArgs("conv-1", 2).
		WillReturnRows(rows)

	got, err := store.Load(context.Background(), "conv-1", 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Role != models.RoleAssistant || len(got[0].ToolCalls) != 1 || got[0].ToolCalls[0].Name != "lookup" {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].ToolCallID != "t1" || got[1].Content != "sunny" || !got[1].CreatedAt.Equal(created) {
		t.Errorf("unexpected second message: %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_LoadQueryError(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("connection reset"))

	if _, err := store.Load(context.Background(), "conv-1", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestSQLStore_Prune(t *testing.T) {
	_, mock, store := setupMockDB(t)
	cutoff := time.Unix(1700000000, 0)

	mock.ExpectExec(`DELETE FROM conversation_messages WHERE created_at < \$1`).
		WithArgs(cutoff.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.Prune(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 rows pruned, got %d", n)
	}
}

func TestSQLStore_Delete(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectExec(`DELETE FROM conversation_messages WHERE conversation_id = \$1`).
		WithArgs("conv-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := store.Delete(context.Background(), "conv-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(context.Background(), ""); err != ErrConversationIDRequired {
		t.Errorf("expected ErrConversationIDRequired, got %v", err)
	}
}

func TestOpenSQLStore_UnsupportedDriver(t *testing.T) {
	if _, err := OpenSQLStore(context.Background(), SQLConfig{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
