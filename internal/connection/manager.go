// ABOUTME: Connection registry and frame dispatch for the realtime socket
// ABOUTME: Tracks joins per connection, sweeps stale connections on heartbeat

package connection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthchat/hearth-gateway/internal/conversation"
	"github.com/hearthchat/hearth-gateway/internal/generation"
	"github.com/hearthchat/hearth-gateway/internal/presence"
	"github.com/hearthchat/hearth-gateway/internal/store"
)

// sendBufferSize bounds each connection's outbound queue. A connection
// whose writer cannot keep up is closed; the store remains the source
// of truth and the client catches up after reconnecting.
const sendBufferSize = 256

// Conn is one authenticated realtime connection. The transport owns the
// read and write loops; everything else goes through the Manager.
type Conn struct {
	ID            string
	ParticipantID string

	send   chan ServerEnvelope
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	joins      map[string]context.CancelFunc
	lastActive time.Time
}

// Outbound is the channel the transport's write loop drains.
func (c *Conn) Outbound() <-chan ServerEnvelope { return c.send }

// Closed is closed when the connection has been torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) joined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joins[conversationID]
	return ok
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// deliver queues an envelope without blocking. Returns false when the
// connection is closed or its buffer is full.
func (c *Conn) deliver(env ServerEnvelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// ConversationReader resolves conversations for ownership checks.
type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Submitter is the orchestrator surface the connection layer needs.
type Submitter interface {
	Admit(conversationID string) error
	Submit(conversationID, triggerMessageID string) *generation.Job
}

// Manager owns every live connection: it dispatches inbound frames,
// pumps broadcaster events to subscribed connections, and sweeps
// connections that miss their heartbeat window.
type Manager struct {
	store       ConversationReader
	log         *conversation.Log
	broadcaster *conversation.Broadcaster
	presence    *presence.Tracker
	orch        Submitter
	heartbeat   time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the connection manager and starts the heartbeat
// sweeper.
func NewManager(cr ConversationReader, log *conversation.Log, b *conversation.Broadcaster, tracker *presence.Tracker, orch Submitter, heartbeat time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:       cr,
		log:         log,
		broadcaster: b,
		presence:    tracker,
		orch:        orch,
		heartbeat:   heartbeat,
		logger:      logger.With("component", "connections"),
		conns:       make(map[string]*Conn),
		done:        make(chan struct{}),
	}
	if heartbeat > 0 {
		m.wg.Add(1)
		go m.sweep()
	}
	return m
}

// Register creates a connection for an authenticated participant.
func (m *Manager) Register(participantID string) *Conn {
	conn := &Conn{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		send:          make(chan ServerEnvelope, sendBufferSize),
		closed:        make(chan struct{}),
		joins:         make(map[string]context.CancelFunc),
		lastActive:    time.Now(),
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	total := len(m.conns)
	m.mu.Unlock()

	m.logger.Info("connection registered",
		"connection_id", conn.ID,
		"participant_id", participantID,
		"total", total)
	return conn
}

// Unregister tears down a connection: every join is cancelled and the
// participant's presence in those conversations goes offline.
func (m *Manager) Unregister(conn *Conn) {
	m.mu.Lock()
	delete(m.conns, conn.ID)
	m.mu.Unlock()

	conn.mu.Lock()
	joins := conn.joins
	conn.joins = make(map[string]context.CancelFunc)
	conn.mu.Unlock()

	for convID, cancel := range joins {
		cancel()
		m.presence.Leave(conn.ParticipantID, convID)
	}
	conn.once.Do(func() { close(conn.closed) })

	m.logger.Info("connection closed",
		"connection_id", conn.ID,
		"participant_id", conn.ParticipantID)
}

// Shutdown stops the sweeper and closes every connection.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.Unregister(c)
	}
	m.wg.Wait()
}

// HandleFrame dispatches one decoded client frame. A malformed or
// rejected frame produces an error envelope; the connection stays open.
func (m *Manager) HandleFrame(ctx context.Context, conn *Conn, env ClientEnvelope) {
	conn.touch()

	switch env.Type {
	case ClientTypeJoin:
		m.handleJoin(ctx, conn, env.ConversationID)
	case ClientTypeLeave:
		m.handleLeave(conn, env.ConversationID)
	case ClientTypeSendMessage:
		m.handleSendMessage(ctx, conn, env)
	case ClientTypeStartTyping:
		if !conn.joined(env.ConversationID) {
			conn.deliver(errorEnvelope(CodeNotJoined, "join the conversation first"))
			return
		}
		m.presence.TypingStart(conn.ParticipantID, env.ConversationID)
		m.presence.MarkActive(conn.ParticipantID, env.ConversationID)
	case ClientTypeStopTyping:
		if !conn.joined(env.ConversationID) {
			conn.deliver(errorEnvelope(CodeNotJoined, "join the conversation first"))
			return
		}
		m.presence.TypingStop(conn.ParticipantID, env.ConversationID)
	case ClientTypePing:
		conn.deliver(ServerEnvelope{Type: ServerTypePong})
	default:
		conn.deliver(errorEnvelope(CodeBadRequest, "unknown message type: "+env.Type))
	}
}

func (m *Manager) handleJoin(ctx context.Context, conn *Conn, conversationID string) {
	if conversationID == "" {
		conn.deliver(errorEnvelope(CodeBadRequest, "conversation_id is required"))
		return
	}
	if conn.joined(conversationID) {
		// Idempotent: re-ack with the current head.
		head, err := m.log.Head(ctx, conversationID)
		if err == nil {
			conn.deliver(ServerEnvelope{Type: ServerTypeJoined, ConversationID: conversationID, Head: head})
		}
		return
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			conn.deliver(errorEnvelope(CodeNotFound, "conversation not found"))
		} else {
			m.logger.Error("join lookup failed", "conversation_id", conversationID, "error", err)
			conn.deliver(errorEnvelope(CodeInternal, "could not join conversation"))
		}
		return
	}
	if conv.UserID != conn.ParticipantID {
		conn.deliver(errorEnvelope(CodeForbidden, "not a participant of this conversation"))
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	events, _ := m.broadcaster.Subscribe(subCtx, conversationID)

	conn.mu.Lock()
	conn.joins[conversationID] = cancel
	conn.mu.Unlock()

	m.wg.Add(1)
	go m.pump(conn, conversationID, events)

	// Ack before the presence transition so the client sees "joined"
	// before its own online event.
	conn.deliver(ServerEnvelope{
		Type:           ServerTypeJoined,
		ConversationID: conversationID,
		Head:           conv.NextSequence - 1,
	})

	m.presence.Join(conn.ParticipantID, conversationID)

	m.logger.Debug("joined conversation",
		"connection_id", conn.ID,
		"participant_id", conn.ParticipantID,
		"conversation_id", conversationID)
}

func (m *Manager) handleLeave(conn *Conn, conversationID string) {
	conn.mu.Lock()
	cancel, ok := conn.joins[conversationID]
	if ok {
		delete(conn.joins, conversationID)
	}
	conn.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	m.presence.Leave(conn.ParticipantID, conversationID)
}

func (m *Manager) handleSendMessage(ctx context.Context, conn *Conn, env ClientEnvelope) {
	if !conn.joined(env.ConversationID) {
		conn.deliver(errorEnvelope(CodeNotJoined, "join the conversation first"))
		return
	}
	if strings.TrimSpace(env.Content) == "" {
		conn.deliver(errorEnvelope(CodeBadRequest, "message content is empty"))
		return
	}

	// The budget check happens before the append: a rejected message is
	// never committed and never spawns a generation job.
	if err := m.orch.Admit(env.ConversationID); err != nil {
		if errors.Is(err, generation.ErrRateLimited) {
			conn.deliver(errorEnvelope(CodeRateLimited, "message rate limit exceeded, slow down"))
		} else {
			m.logger.Error("admitting message failed", "conversation_id", env.ConversationID, "error", err)
			conn.deliver(errorEnvelope(CodeInternal, "could not accept message"))
		}
		return
	}

	// Sending implies the participant stopped typing and is active.
	m.presence.TypingStop(conn.ParticipantID, env.ConversationID)
	m.presence.MarkActive(conn.ParticipantID, env.ConversationID)

	msg, err := m.log.Append(ctx, env.ConversationID, store.RoleUser, env.Content, nil)
	if err != nil {
		m.logger.Error("appending user message failed",
			"conversation_id", env.ConversationID,
			"error", err)
		conn.deliver(errorEnvelope(CodeInternal, "could not commit message"))
		return
	}

	m.orch.Submit(env.ConversationID, msg.ID)
}

// pump forwards broadcaster events for one joined conversation to the
// connection. A subscriber that falls behind, either at the connection
// buffer or at the broadcaster, loses the whole connection: the client
// reconnects and catches up from the store.
func (m *Manager) pump(conn *Conn, conversationID string, events <-chan *conversation.Event) {
	defer m.wg.Done()

	for evt := range events {
		env := ServerEnvelope{
			Type:           string(evt.Type),
			ConversationID: evt.ConversationID,
			Sequence:       evt.Sequence,
			ParticipantID:  evt.ParticipantID,
			Status:         evt.Status,
		}
		if evt.Message != nil {
			env.Message = messagePayload(evt.Message)
		}
		if !conn.deliver(env) {
			m.dropSlowConn(conn, conversationID)
			return
		}
	}

	// Channel closed under us: either the join was cancelled (normal) or
	// the broadcaster dropped us as a slow consumer.
	if conn.joined(conversationID) {
		m.dropSlowConn(conn, conversationID)
	}
}

// dropSlowConn closes a connection that cannot keep up with the event
// stream. The error envelope is best effort; with a full buffer it is
// simply lost along with the connection.
func (m *Manager) dropSlowConn(conn *Conn, conversationID string) {
	conn.deliver(errorEnvelope(CodeSlowConsumer, "event stream overflowed, reconnect to resume"))

	m.logger.Warn("dropping slow consumer",
		"connection_id", conn.ID,
		"participant_id", conn.ParticipantID,
		"conversation_id", conversationID)

	m.Unregister(conn)
}

// sweep closes connections that have been silent past the heartbeat
// grace window.
func (m *Manager) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * m.heartbeat)
			var stale []*Conn

			m.mu.Lock()
			for _, c := range m.conns {
				c.mu.Lock()
				if c.lastActive.Before(cutoff) {
					stale = append(stale, c)
				}
				c.mu.Unlock()
			}
			m.mu.Unlock()

			for _, c := range stale {
				m.logger.Info("closing stale connection",
					"connection_id", c.ID,
					"participant_id", c.ParticipantID)
				m.Unregister(c)
			}
		}
	}
}
