// ABOUTME: Log is the single serialization point for conversation ordering
// ABOUTME: Append holds a per-conversation lock across commit and publish

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthchat/hearth-gateway/internal/store"
)

// LogStore defines what the log needs from storage.
type LogStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	ReadMessages(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]*store.Message, error)
}

// Log wraps the store's append path with a per-conversation mutex and
// publishes each committed message to the broadcaster while the lock is
// still held. That gives two guarantees the whole system depends on:
// sequence numbers are assigned under mutual exclusion, and fanout order
// per conversation equals commit order.
type Log struct {
	store       LogStore
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // conversationID -> write lock
}

// NewLog creates the append log. Pass nil logger for default.
func NewLog(s LogStore, b *Broadcaster, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:       s,
		broadcaster: b,
		logger:      logger.With("component", "log"),
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockFor returns the write lock for a conversation, creating it on
// first use. Locks are never removed; one mutex per conversation seen
// by this process is cheap and keeps the boundary simple.
func (l *Log) lockFor(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[conversationID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[conversationID] = lk
	}
	return lk
}

// Append commits a message to the conversation and fans it out. The
// returned message carries its assigned sequence number. Concurrent
// Append calls for the same conversation are serialized; calls for
// different conversations do not block each other.
func (l *Log) Append(ctx context.Context, conversationID, role, content string, meta *store.GenerationMeta) (*store.Message, error) {
	lk := l.lockFor(conversationID)
	lk.Lock()
	defer lk.Unlock()

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Meta:           meta,
		CreatedAt:      time.Now(),
	}

	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	// Publish under the conversation lock so subscribers observe
	// messages in commit order.
	l.broadcaster.Publish(conversationID, &Event{
		Type:           EventTypeMessage,
		ConversationID: conversationID,
		Sequence:       msg.Sequence,
		Message:        msg,
	})

	l.logger.Debug("message committed",
		"conversation_id", conversationID,
		"sequence", msg.Sequence,
		"role", role)

	return msg, nil
}

// Read returns messages with sequence > afterSequence, oldest first.
// Idempotent against an unchanged log.
func (l *Log) Read(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]*store.Message, error) {
	return l.store.ReadMessages(ctx, conversationID, afterSequence, limit)
}

// Head returns the sequence number of the most recently committed
// message, or 0 for an empty conversation.
func (l *Log) Head(ctx context.Context, conversationID string) (uint64, error) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return conv.NextSequence - 1, nil
}
