// ABOUTME: Wire protocol envelopes for the realtime socket
// ABOUTME: Closed sets of client and server message types, JSON encoded

package connection

import (
	"fmt"
	"time"

	"github.com/hearthchat/hearth-gateway/internal/store"
)

// Client message types. Anything else in a frame's "type" field is a
// protocol error; the frame is rejected but the connection stays open.
const (
	ClientTypeJoin        = "join"
	ClientTypeLeave       = "leave"
	ClientTypeSendMessage = "sendMessage"
	ClientTypeStartTyping = "startTyping"
	ClientTypeStopTyping  = "stopTyping"
	ClientTypePing        = "ping"
)

// Server message types.
const (
	ServerTypeMessage  = "message"
	ServerTypePresence = "presence"
	ServerTypeTyping   = "typing"
	ServerTypeError    = "error"
	ServerTypeJoined   = "joined"
	ServerTypePong     = "pong"
)

// Error codes carried on error envelopes.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeNotJoined    = "not_joined"
	CodeSlowConsumer = "slow_consumer"
	CodeInternal     = "internal"
)

// ClientEnvelope is one inbound frame.
type ClientEnvelope struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// MessagePayload is a committed message on the wire.
type MessagePayload struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Sequence       uint64          `json:"sequence"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Meta           *GenerationInfo `json:"meta,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// GenerationInfo is the wire form of assistant message metadata.
type GenerationInfo struct {
	TokensUsed int64  `json:"tokens_used"`
	ModelID    string `json:"model_id"`
	LatencyMS  int64  `json:"latency_ms"`
	Attempts   int    `json:"attempts"`
}

// ServerEnvelope is one outbound frame. Fields are populated per type:
// message events carry Message and Sequence, presence and typing events
// carry ParticipantID and Status, join acks carry Head, errors carry
// Code and Error.
type ServerEnvelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Sequence       uint64          `json:"sequence,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	ParticipantID  string          `json:"participant_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Head           uint64          `json:"head,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func messagePayload(msg *store.Message) *MessagePayload {
	p := &MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sequence:       msg.Sequence,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.Meta != nil {
		p.Meta = &GenerationInfo{
			TokensUsed: msg.Meta.TokensUsed,
			ModelID:    msg.Meta.ModelID,
			LatencyMS:  msg.Meta.Latency.Milliseconds(),
			Attempts:   msg.Meta.Attempts,
		}
	}
	return p
}

// ProtocolError is a rejected frame: the frame is dropped and an error
// envelope goes back, but the connection stays open.
type ProtocolError struct {
	Code string
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Msg)
}

// Envelope returns the wire form of the rejection.
func (e *ProtocolError) Envelope() ServerEnvelope {
	return ServerEnvelope{Type: ServerTypeError, Code: e.Code, Error: e.Msg}
}

func errorEnvelope(code, msg string) ServerEnvelope {
	return (&ProtocolError{Code: code, Msg: msg}).Envelope()
}
