// ABOUTME: Gateway assembly that wires store, fanout, presence, and generation
// ABOUTME: Owns the HTTP server lifecycle including graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthchat/hearth-gateway/internal/auth"
	"github.com/hearthchat/hearth-gateway/internal/config"
	"github.com/hearthchat/hearth-gateway/internal/connection"
	"github.com/hearthchat/hearth-gateway/internal/conversation"
	"github.com/hearthchat/hearth-gateway/internal/generation"
	"github.com/hearthchat/hearth-gateway/internal/presence"
	"github.com/hearthchat/hearth-gateway/internal/store"
)

// Gateway wires every component of the realtime conversation engine and
// runs the HTTP server that fronts them.
type Gateway struct {
	config       *config.Config
	store        store.Store
	broadcaster  *conversation.Broadcaster
	log          *conversation.Log
	presence     *presence.Tracker
	orchestrator *generation.Orchestrator
	connections  *connection.Manager
	verifier     auth.Verifier
	httpServer   *http.Server
	logger       *slog.Logger
}

// New assembles a gateway from configuration. The caller owns the store
// lifetime via Close.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	b := conversation.NewBroadcaster(logger)
	log := conversation.NewLog(s, b, logger)
	tracker := presence.NewTracker(b, cfg.Presence.TypingQuiet, cfg.Presence.IdleAfter, logger)

	generator := generation.NewHTTPGenerator(cfg.Generation.Endpoint, cfg.Generation.APIKey, logger)
	orch := generation.NewOrchestrator(log, s, generator, generation.Options{
		Model:             cfg.Generation.Model,
		MaxAttempts:       cfg.Generation.MaxAttempts,
		HistoryWindow:     cfg.Generation.HistoryWindow,
		BackoffBase:       cfg.Generation.BackoffBase,
		BackoffCap:        cfg.Generation.BackoffCap,
		RequestTimeout:    cfg.Generation.RequestTimeout,
		MessagesPerMinute: cfg.Generation.MessagesPerMinute,
		MessageBurst:      cfg.Generation.MessageBurst,
	}, logger)

	manager := connection.NewManager(s, log, b, tracker, orch, cfg.Connections.HeartbeatInterval, logger)

	g := &Gateway{
		config:       cfg,
		store:        s,
		broadcaster:  b,
		log:          log,
		presence:     tracker,
		orchestrator: orch,
		connections:  manager,
		verifier:     verifier,
		logger:       logger.With("component", "gateway"),
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run serves HTTP until the context is cancelled, then shuts everything
// down in dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		g.shutdown()
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}

	g.shutdown()
	return <-errCh
}

// shutdown tears down components: connections first so nothing new is
// queued, then the orchestrator drains, then fanout and store close.
func (g *Gateway) shutdown() {
	g.connections.Shutdown()
	g.orchestrator.Close()
	g.broadcaster.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Warn("closing store", "error", err)
	}
}
