// ABOUTME: Tests for the REST surface
// ABOUTME: Covers auth enforcement, ownership, pagination, and deletion

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthchat/hearth-gateway/internal/auth"
	"github.com/hearthchat/hearth-gateway/internal/conversation"
	"github.com/hearthchat/hearth-gateway/internal/store"
)

type recordingCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (c *recordingCanceller) CancelConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, conversationID)
}

type apiEnv struct {
	server    *httptest.Server
	store     *store.SQLiteStore
	log       *conversation.Log
	canceller *recordingCanceller
	verifier  *auth.JWTVerifier
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := conversation.NewBroadcaster(nil)
	t.Cleanup(b.Close)

	verifier, err := auth.NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	log := conversation.NewLog(s, b, nil)
	canceller := &recordingCanceller{}

	api := NewAPI(s, log, canceller, verifier, nil)
	srv := httptest.NewServer(NewRouter(api, nil))
	t.Cleanup(srv.Close)

	return &apiEnv{server: srv, store: s, log: log, canceller: canceller, verifier: verifier}
}

func (e *apiEnv) token(t *testing.T, participantID string) string {
	t.Helper()
	token, err := e.verifier.Generate(participantID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *apiEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *apiEnv) createPersona(t *testing.T) PersonaResponse {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/personas", e.token(t, "alice"), CreatePersonaRequest{
		DisplayName:  "Ember",
		SystemPrompt: "You are Ember.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[PersonaResponse](t, resp)
}

func (e *apiEnv) createConversation(t *testing.T, token, personaID string) ConversationResponse {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/conversations", token, CreateConversationRequest{
		PersonaID: personaID,
		Title:     "First chat",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[ConversationResponse](t, resp)
}

func TestAPI_HealthEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/healthz/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_RequiresAuth(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/conversations", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	persona := env.createPersona(t)
	token := env.token(t, "alice")

	conv := env.createConversation(t, token, persona.ID)
	assert.Equal(t, "alice", conv.UserID)
	assert.Equal(t, uint64(0), conv.Head)

	// The head advances as messages commit.
	_, err := env.log.Append(t.Context(), conv.ID, store.RoleUser, "Hello", nil)
	require.NoError(t, err)

	resp := env.request(t, http.MethodGet, "/api/conversations/"+conv.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ConversationResponse](t, resp)
	assert.Equal(t, uint64(1), got.Head)

	resp = env.request(t, http.MethodGet, "/api/conversations", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Conversations []ConversationResponse `json:"conversations"`
	}](t, resp)
	require.Len(t, list.Conversations, 1)
}

func TestAPI_CreateConversationUnknownPersona(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodPost, "/api/conversations", env.token(t, "alice"), CreateConversationRequest{
		PersonaID: "persona-missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_OwnershipHidesForeignConversations(t *testing.T) {
	env := newAPIEnv(t)
	persona := env.createPersona(t)
	conv := env.createConversation(t, env.token(t, "alice"), persona.ID)

	// Another user sees 404, not 403: existence is not leaked.
	resp := env.request(t, http.MethodGet, "/api/conversations/"+conv.ID, env.token(t, "mallory"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.request(t, http.MethodDelete, "/api/conversations/"+conv.ID, env.token(t, "mallory"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ReadMessagesPagination(t *testing.T) {
	env := newAPIEnv(t)
	persona := env.createPersona(t)
	token := env.token(t, "alice")
	conv := env.createConversation(t, token, persona.ID)

	for i := 1; i <= 5; i++ {
		_, err := env.log.Append(t.Context(), conv.ID, store.RoleUser, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	resp := env.request(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?after=2&limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Messages []MessageResponse `json:"messages"`
	}](t, resp)

	require.Len(t, page.Messages, 2)
	assert.Equal(t, uint64(3), page.Messages[0].Sequence)
	assert.Equal(t, uint64(4), page.Messages[1].Sequence)
}

func TestAPI_ReadMessagesBadCursor(t *testing.T) {
	env := newAPIEnv(t)
	persona := env.createPersona(t)
	token := env.token(t, "alice")
	conv := env.createConversation(t, token, persona.ID)

	resp := env.request(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages?after=banana", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DeleteCancelsGenerationFirst(t *testing.T) {
	env := newAPIEnv(t)
	persona := env.createPersona(t)
	token := env.token(t, "alice")
	conv := env.createConversation(t, token, persona.ID)

	resp := env.request(t, http.MethodDelete, "/api/conversations/"+conv.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.canceller.mu.Lock()
	cancelled := append([]string(nil), env.canceller.cancelled...)
	env.canceller.mu.Unlock()
	assert.Equal(t, []string{conv.ID}, cancelled)

	// Gone from the read path.
	resp = env.request(t, http.MethodGet, "/api/conversations/"+conv.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreatePersonaValidation(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.request(t, http.MethodPost, "/api/personas", env.token(t, "alice"), CreatePersonaRequest{
		DisplayName: "Ember",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetPersona(t *testing.T) {
	env := newAPIEnv(t)
	persona := env.createPersona(t)

	resp := env.request(t, http.MethodGet, "/api/personas/"+persona.ID, env.token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[PersonaResponse](t, resp)
	assert.Equal(t, "Ember", got.DisplayName)
	assert.Equal(t, "You are Ember.", got.SystemPrompt)
}
