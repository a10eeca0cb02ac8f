// ABOUTME: WebSocket transport for the realtime protocol
// ABOUTME: Upgrades, authenticates, and runs the read/write loops

package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"log/slog"

	"github.com/coder/websocket"

	"github.com/hearthchat/hearth-gateway/internal/auth"
)

// WebSocketHandler upgrades HTTP requests to realtime connections.
type WebSocketHandler struct {
	manager       *Manager
	verifier      auth.Verifier
	allowedOrigin string
	logger        *slog.Logger
}

// NewWebSocketHandler creates the socket endpoint handler.
func NewWebSocketHandler(m *Manager, verifier auth.Verifier, allowedOrigin string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		manager:       m,
		verifier:      verifier,
		allowedOrigin: allowedOrigin,
		logger:        logger.With("component", "websocket"),
	}
}

// bearerToken pulls the auth token from the Authorization header or,
// for browser clients that cannot set headers on a socket upgrade, the
// token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("socket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ServeHTTP authenticates, upgrades, and runs the connection until the
// client disconnects or the heartbeat sweeper closes it.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	participantID, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		h.logger.Warn("socket auth rejected", "error", err, "ip", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("socket accept failed", "error", err, "participant_id", participantID)
		return
	}

	conn := h.manager.Register(participantID)
	defer h.manager.Unregister(conn)
	defer ws.Close(websocket.StatusNormalClosure, "session ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, ws, conn, cancel)
	h.readLoop(ctx, ws, conn)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.logger.Debug("socket read error", "error", err, "connection_id", conn.ID)
			}
			return
		}

		var env ClientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frame: reject it, keep the connection.
			conn.deliver(errorEnvelope(CodeBadRequest, "malformed frame"))
			continue
		}

		h.manager.HandleFrame(ctx, conn, env)
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, cancel context.CancelFunc) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Closed():
			ws.Close(websocket.StatusGoingAway, "connection closed")
			return
		case env := <-conn.Outbound():
			data, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("encoding envelope failed", "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
