// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with transactional sequence assignment

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Write transactions take the write lock up front. A deferred
	// transaction that upgrades from a read snapshot can hit SQLITE_BUSY
	// under WAL when appends to different conversations race; immediate
	// transactions queue on the lock instead.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			persona_id    TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			next_sequence INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sequence        INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			tokens_used     INTEGER,
			model_id        TEXT,
			latency_ms      INTEGER,
			attempts        INTEGER,
			created_at      TEXT NOT NULL,

			UNIQUE(conversation_id, sequence),
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, sequence);

		CREATE TABLE IF NOT EXISTS personas (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			behavior_tags TEXT,
			created_at    TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation inserts a new conversation with its sequence counter at 1.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.NextSequence == 0 {
		conv.NextSequence = 1
	}

	query := `
		INSERT INTO conversations (id, persona_id, user_id, title, next_sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.PersonaID,
		conv.UserID,
		conv.Title,
		conv.NextSequence,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "persona_id", conv.PersonaID, "user_id", conv.UserID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, persona_id, user_id, title, next_sequence, created_at
		FROM conversations
		WHERE id = ?
	`

	var conv Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.PersonaID,
		&conv.UserID,
		&conv.Title,
		&conv.NextSequence,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

// ListConversations retrieves a user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, persona_id, user_id, title, next_sequence, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string

		if err := rows.Scan(&conv.ID, &conv.PersonaID, &conv.UserID, &conv.Title, &conv.NextSequence, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// DeleteConversation removes a conversation and its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendMessage commits a message to the conversation log, assigning the
// next sequence number inside a single transaction. The read of the
// counter, the insert, and the counter bump all happen under one
// BEGIN IMMEDIATE so a message is either fully committed with its sequence
// or entirely absent.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT next_sequence FROM conversations WHERE id = ?`, msg.ConversationID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading sequence counter: %w", err)
	}

	var tokensUsed, latencyMS, attempts any
	var modelID any
	if msg.Meta != nil {
		tokensUsed = msg.Meta.TokensUsed
		modelID = msg.Meta.ModelID
		latencyMS = msg.Meta.Latency.Milliseconds()
		attempts = msg.Meta.Attempts
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence, role, content, tokens_used, model_id, latency_ms, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		seq,
		msg.Role,
		msg.Content,
		tokensUsed,
		modelID,
		latencyMS,
		attempts,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrOrderingConflict
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET next_sequence = ? WHERE id = ?`, seq+1, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("advancing sequence counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	msg.Sequence = seq

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sequence", seq,
		"role", msg.Role,
	)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// ReadMessages retrieves messages with sequence > afterSequence, ordered by
// sequence ASC. Pagination is restartable: pass the last sequence seen.
func (s *SQLiteStore) ReadMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, conversation_id, sequence, role, content, tokens_used, model_id, latency_ms, attempts, created_at
		FROM messages
		WHERE conversation_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var tokensUsed, latencyMS sql.NullInt64
		var attempts sql.NullInt64
		var modelID sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Sequence,
			&msg.Role,
			&msg.Content,
			&tokensUsed,
			&modelID,
			&latencyMS,
			&attempts,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		if tokensUsed.Valid || modelID.Valid {
			msg.Meta = &GenerationMeta{
				TokensUsed: tokensUsed.Int64,
				ModelID:    modelID.String,
				Latency:    time.Duration(latencyMS.Int64) * time.Millisecond,
				Attempts:   int(attempts.Int64),
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// CreatePersona inserts a persona definition.
func (s *SQLiteStore) CreatePersona(ctx context.Context, p *Persona) error {
	var tags any
	if len(p.BehaviorTags) > 0 {
		data, err := json.Marshal(p.BehaviorTags)
		if err != nil {
			return fmt.Errorf("encoding behavior tags: %w", err)
		}
		tags = string(data)
	}

	query := `
		INSERT INTO personas (id, display_name, system_prompt, behavior_tags, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.DisplayName,
		p.SystemPrompt,
		tags,
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting persona: %w", err)
	}

	s.logger.Debug("created persona", "id", p.ID, "display_name", p.DisplayName)
	return nil
}

// GetPersona retrieves a persona by ID.
// Returns ErrNotFound if the persona doesn't exist.
func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (*Persona, error) {
	query := `
		SELECT id, display_name, system_prompt, behavior_tags, created_at
		FROM personas
		WHERE id = ?
	`

	var p Persona
	var createdAtStr string
	var tags sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.DisplayName,
		&p.SystemPrompt,
		&tags,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying persona: %w", err)
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &p.BehaviorTags); err != nil {
			return nil, fmt.Errorf("decoding behavior tags: %w", err)
		}
	}

	p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &p, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
