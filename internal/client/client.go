// ABOUTME: Gateway client that dials the realtime socket and reconnects
// ABOUTME: Re-joins subscribed conversations after every reconnect

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hearthchat/hearth-gateway/internal/connection"
)

// eventBufferSize bounds the events channel handed to the consumer.
const eventBufferSize = 256

// Options configure a gateway client.
type Options struct {
	// URL is the socket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is the bearer token presented on dial.
	Token string
	// Backoff governs reconnect delays. Zero values get defaults.
	Backoff Backoff
	Logger  *slog.Logger
}

// Client maintains a realtime connection to the gateway. On reconnect
// it re-joins every conversation the caller joined; the joined acks
// carry the head sequence so the caller knows where to catch up from
// over the REST API.
type Client struct {
	opts   Options
	fsm    *FSM
	logger *slog.Logger

	mu    sync.Mutex
	joins map[string]struct{}
	ws    *websocket.Conn

	events chan connection.ServerEnvelope
}

// New creates a client. Run starts the dial loop.
func New(opts Options) *Client {
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 500 * time.Millisecond
	}
	if opts.Backoff.Cap <= 0 {
		opts.Backoff.Cap = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		fsm:    NewFSM(opts.Backoff),
		logger: opts.Logger.With("component", "client"),
		joins:  make(map[string]struct{}),
		events: make(chan connection.ServerEnvelope, eventBufferSize),
	}
}

// Events delivers server envelopes, including joined acks after every
// reconnect. The channel closes when Run returns.
func (c *Client) Events() <-chan connection.ServerEnvelope {
	return c.events
}

// State reports the connection lifecycle state.
func (c *Client) State() State {
	return c.fsm.State()
}

// Run dials and reads until the context is cancelled, reconnecting
// with backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := c.fsm.Connecting()
		ws, err := c.dial(ctx)
		if err != nil {
			delay := c.fsm.Failed()
			c.logger.Warn("dial failed", "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.fsm.Connected()
		c.logger.Info("connected", "url", c.opts.URL)

		c.mu.Lock()
		c.ws = ws
		joins := make([]string, 0, len(c.joins))
		for id := range c.joins {
			joins = append(joins, id)
		}
		c.mu.Unlock()

		// Re-subscribe everything the caller was watching.
		for _, id := range joins {
			if err := c.send(ctx, connection.ClientEnvelope{Type: connection.ClientTypeJoin, ConversationID: id}); err != nil {
				break
			}
		}

		err = c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.fsm.Lost()
		c.logger.Warn("connection lost", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + c.opts.Token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	return ws, nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		var env connection.ServerEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}

		select {
		case c.events <- env:
		default:
			// The consumer is behind; old events are recoverable via
			// the read API, so drop rather than stall the socket.
			c.logger.Warn("events channel full, dropping", "type", env.Type)
		}
	}
}

func (c *Client) send(ctx context.Context, env connection.ClientEnvelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Join subscribes to a conversation. The subscription is remembered and
// re-established after every reconnect.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.joins[conversationID] = struct{}{}
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return nil // sent on connect
	}
	return c.send(ctx, connection.ClientEnvelope{Type: connection.ClientTypeJoin, ConversationID: conversationID})
}

// Leave unsubscribes from a conversation.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.joins, conversationID)
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, connection.ClientEnvelope{Type: connection.ClientTypeLeave, ConversationID: conversationID})
}

// SendMessage submits a user message to a joined conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	return c.send(ctx, connection.ClientEnvelope{
		Type:           connection.ClientTypeSendMessage,
		ConversationID: conversationID,
		Content:        content,
	})
}

// StartTyping signals the participant is composing.
func (c *Client) StartTyping(ctx context.Context, conversationID string) error {
	return c.send(ctx, connection.ClientEnvelope{Type: connection.ClientTypeStartTyping, ConversationID: conversationID})
}

// StopTyping signals the participant stopped composing.
func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	return c.send(ctx, connection.ClientEnvelope{Type: connection.ClientTypeStopTyping, ConversationID: conversationID})
}

// Ping checks liveness over the socket.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, connection.ClientEnvelope{Type: connection.ClientTypePing})
}
