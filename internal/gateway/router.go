// ABOUTME: HTTP route table for the gateway
// ABOUTME: Health, socket upgrade, and the authenticated REST surface

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hearthchat/hearth-gateway/internal/connection"
)

// NewRouter builds the gateway's route table. The socket handler is
// optional so the REST surface can be exercised on its own.
func NewRouter(api *API, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.HandleHealthz)
	r.Get("/healthz/ready", api.HandleReady)

	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(api.RequireAuth)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", api.HandleCreateConversation)
			r.Get("/", api.HandleListConversations)
			r.Get("/{id}", api.HandleGetConversation)
			r.Delete("/{id}", api.HandleDeleteConversation)
			r.Get("/{id}/messages", api.HandleReadMessages)
		})

		r.Route("/personas", func(r chi.Router) {
			r.Post("/", api.HandleCreatePersona)
			r.Get("/{id}", api.HandleGetPersona)
		})
	})

	return r
}

func (g *Gateway) router() http.Handler {
	api := NewAPI(g.store, g.log, g.orchestrator, g.verifier, g.logger)
	ws := connection.NewWebSocketHandler(g.connections, g.verifier, g.config.Server.AllowedOrigin, g.logger)
	return NewRouter(api, ws)
}
