// ABOUTME: Event types fanned out to conversation subscribers
// ABOUTME: Closed vocabulary: message, presence, typing, error

package conversation

import (
	"github.com/hearthchat/hearth-gateway/internal/store"
)

// EventType categorizes a fanout event.
type EventType string

const (
	EventTypeMessage  EventType = "message"
	EventTypePresence EventType = "presence"
	EventTypeTyping   EventType = "typing"
	EventTypeError    EventType = "error"
)

// Event is a conversation-scoped notification delivered to every
// subscriber of a conversation. Message events carry the committed
// message and its sequence number; presence and typing events carry the
// participant and status instead.
type Event struct {
	Type           EventType
	ConversationID string

	// Message events
	Sequence uint64
	Message  *store.Message

	// Presence and typing events
	ParticipantID string
	Status        string
}
