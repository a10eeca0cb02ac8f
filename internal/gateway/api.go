// ABOUTME: REST handlers for conversations, personas, and health
// ABOUTME: The read path clients use to catch up after reconnecting

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hearthchat/hearth-gateway/internal/auth"
	"github.com/hearthchat/hearth-gateway/internal/conversation"
	"github.com/hearthchat/hearth-gateway/internal/store"
)

// JobCanceller aborts generation work when a conversation goes away.
type JobCanceller interface {
	CancelConversation(conversationID string)
}

// API serves the REST surface. The socket carries live events; these
// endpoints are the durable read and management path.
type API struct {
	store    store.Store
	log      *conversation.Log
	jobs     JobCanceller
	verifier auth.Verifier
	logger   *slog.Logger
}

// NewAPI creates the REST handler set.
func NewAPI(s store.Store, log *conversation.Log, jobs JobCanceller, verifier auth.Verifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:    s,
		log:      log,
		jobs:     jobs,
		verifier: verifier,
		logger:   logger.With("component", "api"),
	}
}

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	PersonaID string `json:"persona_id"`
	Title     string `json:"title"`
}

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	PersonaID string `json:"persona_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Head      uint64 `json:"head"`
	CreatedAt string `json:"created_at"`
}

// MessageResponse is the JSON form of a committed message.
type MessageResponse struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Sequence       uint64        `json:"sequence"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	Meta           *MetaResponse `json:"meta,omitempty"`
	CreatedAt      string        `json:"created_at"`
}

// MetaResponse is the JSON form of generation metadata.
type MetaResponse struct {
	TokensUsed int64  `json:"tokens_used"`
	ModelID    string `json:"model_id"`
	LatencyMS  int64  `json:"latency_ms"`
	Attempts   int    `json:"attempts"`
}

// CreatePersonaRequest is the JSON body for POST /api/personas.
type CreatePersonaRequest struct {
	DisplayName  string   `json:"display_name"`
	SystemPrompt string   `json:"system_prompt"`
	BehaviorTags []string `json:"behavior_tags,omitempty"`
}

// PersonaResponse is the JSON form of a persona.
type PersonaResponse struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	SystemPrompt string   `json:"system_prompt"`
	BehaviorTags []string `json:"behavior_tags,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        conv.ID,
		PersonaID: conv.PersonaID,
		UserID:    conv.UserID,
		Title:     conv.Title,
		Head:      conv.NextSequence - 1,
		CreatedAt: conv.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func messageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sequence:       msg.Sequence,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.Meta != nil {
		resp.Meta = &MetaResponse{
			TokensUsed: msg.Meta.TokensUsed,
			ModelID:    msg.Meta.ModelID,
			LatencyMS:  msg.Meta.Latency.Milliseconds(),
			Attempts:   msg.Meta.Attempts,
		}
	}
	return resp
}

// RequireAuth rejects requests without a valid bearer token and stores
// the participant on the request context.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		participantID, err := a.verifier.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithParticipant(r.Context(), participantID)))
	})
}

// HandleHealthz reports process liveness.
func (a *API) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports readiness: the store must answer.
func (a *API) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Error("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleCreateConversation handles POST /api/conversations.
func (a *API) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PersonaID == "" {
		writeError(w, http.StatusBadRequest, "persona_id is required")
		return
	}

	if _, err := a.store.GetPersona(r.Context(), req.PersonaID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "persona not found")
			return
		}
		a.internalError(w, "looking up persona", err)
		return
	}

	conv := &store.Conversation{
		ID:        uuid.New().String(),
		PersonaID: req.PersonaID,
		UserID:    auth.ParticipantFromContext(r.Context()),
		Title:     req.Title,
		CreatedAt: time.Now(),
	}
	if err := a.store.CreateConversation(r.Context(), conv); err != nil {
		a.internalError(w, "creating conversation", err)
		return
	}

	a.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"persona_id", conv.PersonaID,
		"user_id", conv.UserID)
	writeJSON(w, http.StatusCreated, conversationResponse(conv))
}

// HandleListConversations handles GET /api/conversations.
func (a *API) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.ParticipantFromContext(r.Context())

	convs, err := a.store.ListConversations(r.Context(), userID, parseLimit(r, 50))
	if err != nil {
		a.internalError(w, "listing conversations", err)
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		resp = append(resp, conversationResponse(conv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": resp})
}

// HandleGetConversation handles GET /api/conversations/{id}. The head
// field tells a reconnecting client how far the log has advanced.
func (a *API) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.ownedConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// HandleDeleteConversation handles DELETE /api/conversations/{id}.
// Pending and in-flight generation work is cancelled before the rows
// go away.
func (a *API) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.ownedConversation(w, r)
	if !ok {
		return
	}

	a.jobs.CancelConversation(conv.ID)

	if err := a.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		a.internalError(w, "deleting conversation", err)
		return
	}

	a.logger.Info("conversation deleted", "conversation_id", conv.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleReadMessages handles GET /api/conversations/{id}/messages.
// Cursor pagination over the sequence: ?after=N&limit=M returns
// messages with sequence > N, oldest first.
func (a *API) HandleReadMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.ownedConversation(w, r)
	if !ok {
		return
	}

	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		after = parsed
	}

	msgs, err := a.log.Read(r.Context(), conv.ID, after, parseLimit(r, 100))
	if err != nil {
		a.internalError(w, "reading messages", err)
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		resp = append(resp, messageResponse(msg))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"messages":        resp,
	})
}

// HandleCreatePersona handles POST /api/personas.
func (a *API) HandleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var req CreatePersonaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" || req.SystemPrompt == "" {
		writeError(w, http.StatusBadRequest, "display_name and system_prompt are required")
		return
	}

	p := &store.Persona{
		ID:           uuid.New().String(),
		DisplayName:  req.DisplayName,
		SystemPrompt: req.SystemPrompt,
		BehaviorTags: req.BehaviorTags,
		CreatedAt:    time.Now(),
	}
	if err := a.store.CreatePersona(r.Context(), p); err != nil {
		a.internalError(w, "creating persona", err)
		return
	}

	writeJSON(w, http.StatusCreated, PersonaResponse{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		SystemPrompt: p.SystemPrompt,
		BehaviorTags: p.BehaviorTags,
		CreatedAt:    p.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// HandleGetPersona handles GET /api/personas/{id}.
func (a *API) HandleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPersona(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "persona not found")
			return
		}
		a.internalError(w, "looking up persona", err)
		return
	}
	writeJSON(w, http.StatusOK, PersonaResponse{
		ID:           p.ID,
		DisplayName:  p.DisplayName,
		SystemPrompt: p.SystemPrompt,
		BehaviorTags: p.BehaviorTags,
		CreatedAt:    p.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ownedConversation loads the conversation from the URL and enforces
// that the caller owns it. A conversation the caller cannot see is
// indistinguishable from one that does not exist.
func (a *API) ownedConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := a.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return nil, false
		}
		a.internalError(w, "looking up conversation", err)
		return nil, false
	}
	if conv.UserID != auth.ParticipantFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func (a *API) internalError(w http.ResponseWriter, action string, err error) {
	a.logger.Error(action+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
