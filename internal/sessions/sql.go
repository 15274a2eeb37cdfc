package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// Dialect selects the SQL flavour of an SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLConfig holds configuration for an SQL-backed store.
type SQLConfig struct {
	// Driver is "postgres" (lib/pq) or "sqlite" (modernc.org/sqlite).
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultSQLConfig returns default pool settings for a local SQLite file.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          string(DialectSQLite),
		DSN:             "agentrt.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQLStore opens the database, verifies the connection and creates the
// schema if needed.
func OpenSQLStore(ctx context.Context, config SQLConfig) (*SQLStore, error) {
	dialect := Dialect(config.Driver)
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported session store driver %q", config.Driver)
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLStore(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database. The schema is not created; call
// EnsureSchema.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the messages table and its index if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	boolType := "BOOLEAN"
	if s.dialect == DialectSQLite {
		boolType = "INTEGER"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			is_error ` + boolType + ` NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversation_messages_seq
			ON conversation_messages (conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS conversation_messages_created
			ON conversation_messages (created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind converts $N placeholders to the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect == DialectSQLite {
		return strings.ReplaceAll(query, "$", "?")
	}
	return query
}

// Load returns the conversation tail in chronological order.
func (s *SQLStore) Load(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}

	const columns = `role, content, tool_calls, tool_call_id, tool_name, is_error, created_at`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.rebind(`
			SELECT `+columns+` FROM (
				SELECT seq, `+columns+` FROM conversation_messages
				WHERE conversation_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) tail ORDER BY seq ASC`), conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(`
			SELECT `+columns+` FROM conversation_messages
			WHERE conversation_id = $1
			ORDER BY seq ASC`), conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role, toolCalls string
		var createdAt int64
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.ToolName, &msg.IsError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt)
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// Append adds msgs in one transaction. Sequence numbers continue from the
// conversation's current maximum; the unique (conversation_id, seq) index
// turns a concurrent writer into an error rather than interleaving.
func (s *SQLStore) Append(ctx context.Context, conversationID string, msgs ...models.Message) error {
	if conversationID == "" {
		return ErrConversationIDRequired
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	if err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_messages WHERE conversation_id = $1`),
		conversationID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	insert := s.rebind(`
		INSERT INTO conversation_messages
			(id, conversation_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	now := s.now()
	for _, msg := range msgs {
		seq++
		toolCalls := ""
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls: %w", err)
			}
			toolCalls = string(raw)
		}
		created := msg.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, insert,
			uuid.NewString(),
			conversationID,
			seq,
			string(msg.Role),
			msg.Content,
			toolCalls,
			msg.ToolCallID,
			msg.ToolName,
			msg.IsError,
			created.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// Delete removes a conversation.
func (s *SQLStore) Delete(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrConversationIDRequired
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM conversation_messages WHERE conversation_id = $1`), conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Prune removes messages created before cutoff.
func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM conversation_messages WHERE created_at < $1`), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
