// ABOUTME: Ephemeral presence and typing state per (participant, conversation)
// ABOUTME: Typing decays via a debounce timer; nothing here is ever persisted

package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hearthchat/hearth-gateway/internal/conversation"
)

// Status is a participant's availability in one conversation.
type Status string

const (
	StatusOnline  Status = "online"
	StatusTyping  Status = "typing"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// State is a snapshot of one participant's presence in a conversation.
type State struct {
	ParticipantID  string
	ConversationID string
	Status         Status
	UpdatedAt      time.Time
}

type key struct {
	participant  string
	conversation string
}

type entry struct {
	status      Status
	refs        int
	typingTimer *time.Timer
	idleTimer   *time.Timer
	updatedAt   time.Time
}

// Tracker holds the presence state machine for every live
// (participant, conversation) pair. All state is in-memory: a process
// restart reconstructs it from the connections that re-subscribe.
// Every transition is published to the broadcaster.
type Tracker struct {
	mu          sync.Mutex
	entries     map[key]*entry
	typingQuiet time.Duration
	idleAfter   time.Duration
	broadcaster *conversation.Broadcaster
	logger      *slog.Logger
}

// NewTracker creates a tracker. typingQuiet is the debounce window after
// which typing decays back to online without an explicit stop signal.
func NewTracker(b *conversation.Broadcaster, typingQuiet, idleAfter time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries:     make(map[key]*entry),
		typingQuiet: typingQuiet,
		idleAfter:   idleAfter,
		broadcaster: b,
		logger:      logger.With("component", "presence"),
	}
}

// Join transitions offline -> online when a participant subscribes to a
// conversation. Each Join holds one reference on the pair; a second
// connection for the same participant joins silently.
func (t *Tracker) Join(participantID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{participantID, conversationID}
	if e, ok := t.entries[k]; ok {
		e.refs++
		return
	}

	e := &entry{status: StatusOnline, refs: 1, updatedAt: time.Now()}
	t.entries[k] = e
	t.resetIdleLocked(k, e)

	t.publishLocked(conversation.EventTypePresence, k, StatusOnline)
}

// Leave releases one reference on the pair. The participant goes
// offline only when the last connection leaves. Called on unsubscribe,
// disconnect, or heartbeat timeout.
func (t *Tracker) Leave(participantID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaveLocked(key{participantID, conversationID})
}

// LeaveAll releases one reference on every conversation the
// participant is in. Called when a connection closes; the participant
// stays online wherever another connection still holds a reference.
func (t *Tracker) LeaveAll(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.entries {
		if k.participant == participantID {
			t.leaveLocked(k)
		}
	}
}

func (t *Tracker) leaveLocked(k key) {
	e, ok := t.entries[k]
	if !ok {
		return
	}

	e.refs--
	if e.refs > 0 {
		return
	}

	stopTimer(e.typingTimer)
	stopTimer(e.idleTimer)
	delete(t.entries, k)

	t.publishLocked(conversation.EventTypePresence, k, StatusOffline)
}

// TypingStart transitions online/idle -> typing and arms the debounce
// timer. Repeated signals reset the timer without re-announcing.
func (t *Tracker) TypingStart(participantID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{participantID, conversationID}
	e, ok := t.entries[k]
	if !ok {
		return
	}

	stopTimer(e.typingTimer)
	e.typingTimer = time.AfterFunc(t.typingQuiet, func() {
		t.typingExpired(k)
	})
	t.resetIdleLocked(k, e)

	if e.status != StatusTyping {
		e.status = StatusTyping
		e.updatedAt = time.Now()
		t.publishLocked(conversation.EventTypeTyping, k, StatusTyping)
	}
}

// TypingStop transitions typing -> online on an explicit stop signal.
func (t *Tracker) TypingStop(participantID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{participantID, conversationID}
	e, ok := t.entries[k]
	if !ok || e.status != StatusTyping {
		return
	}

	stopTimer(e.typingTimer)
	e.typingTimer = nil
	e.status = StatusOnline
	e.updatedAt = time.Now()
	t.publishLocked(conversation.EventTypeTyping, k, StatusOnline)
}

// typingExpired fires when the quiet window elapses with no refresh.
func (t *Tracker) typingExpired(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if !ok || e.status != StatusTyping {
		// Stopped or left between the timer firing and the lock.
		return
	}

	e.typingTimer = nil
	e.status = StatusOnline
	e.updatedAt = time.Now()
	t.publishLocked(conversation.EventTypeTyping, k, StatusOnline)
}

// MarkActive records client activity: idle -> online, and the idle
// timer restarts.
func (t *Tracker) MarkActive(participantID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{participantID, conversationID}
	e, ok := t.entries[k]
	if !ok {
		return
	}

	t.resetIdleLocked(k, e)

	if e.status == StatusIdle {
		e.status = StatusOnline
		e.updatedAt = time.Now()
		t.publishLocked(conversation.EventTypePresence, k, StatusOnline)
	}
}

func (t *Tracker) resetIdleLocked(k key, e *entry) {
	stopTimer(e.idleTimer)
	if t.idleAfter <= 0 {
		return
	}
	e.idleTimer = time.AfterFunc(t.idleAfter, func() {
		t.wentIdle(k)
	})
}

func (t *Tracker) wentIdle(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if !ok || e.status != StatusOnline {
		return
	}

	e.status = StatusIdle
	e.updatedAt = time.Now()
	t.publishLocked(conversation.EventTypePresence, k, StatusIdle)
}

// States returns a snapshot of all participants in a conversation.
func (t *Tracker) States(conversationID string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	var states []State
	for k, e := range t.entries {
		if k.conversation != conversationID {
			continue
		}
		states = append(states, State{
			ParticipantID:  k.participant,
			ConversationID: k.conversation,
			Status:         e.status,
			UpdatedAt:      e.updatedAt,
		})
	}
	return states
}

func (t *Tracker) publishLocked(evtType conversation.EventType, k key, status Status) {
	t.logger.Debug("presence transition",
		"participant_id", k.participant,
		"conversation_id", k.conversation,
		"status", status)

	t.broadcaster.Publish(k.conversation, &conversation.Event{
		Type:           evtType,
		ConversationID: k.conversation,
		ParticipantID:  k.participant,
		Status:         string(status),
	})
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}
