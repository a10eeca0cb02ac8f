// ABOUTME: Store interface and data types for hearth-gateway persistence
// ABOUTME: Defines Conversation, Message, Persona structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrOrderingConflict is returned when a message insert collides with an
// already-assigned sequence number. This should never surface in normal
// operation: it means the per-conversation write boundary was violated.
var ErrOrderingConflict = errors.New("sequence ordering conflict")

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation binds a user to a persona and owns the sequence counter
// for its message log.
type Conversation struct {
	ID           string
	PersonaID    string
	UserID       string
	Title        string
	NextSequence uint64
	CreatedAt    time.Time
}

// Message is a single committed entry in a conversation's ordered log.
// Messages are immutable once committed: never edited, never reordered.
// Sequence is assigned by the store, never by the client.
type Message struct {
	ID             string
	ConversationID string
	Sequence       uint64
	Role           string // "user", "assistant", "system"
	Content        string
	Meta           *GenerationMeta // set for assistant messages only
	CreatedAt      time.Time
}

// GenerationMeta records token accounting for a generated message.
type GenerationMeta struct {
	TokensUsed int64
	ModelID    string
	Latency    time.Duration
	Attempts   int
}

// Persona is the static configuration of an AI character. Read-only from
// the gateway's perspective; the orchestrator caches these.
type Persona struct {
	ID           string
	DisplayName  string
	SystemPrompt string
	BehaviorTags []string
	CreatedAt    time.Time
}

// Store defines the interface for conversation and message persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Messages. AppendMessage assigns msg.Sequence atomically from the
	// conversation's counter; callers must hold the per-conversation write
	// boundary (see conversation.Log).
	AppendMessage(ctx context.Context, msg *Message) error
	ReadMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]*Message, error)

	// Personas
	CreatePersona(ctx context.Context, p *Persona) error
	GetPersona(ctx context.Context, id string) (*Persona, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
