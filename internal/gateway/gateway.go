// ABOUTME: Gateway orchestrator wiring store, sessions, router and HTTP server
// ABOUTME: Manages startup, the background sweeper, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/whats2want/w2w-gateway/internal/ai"
	"github.com/whats2want/w2w-gateway/internal/config"
	"github.com/whats2want/w2w-gateway/internal/dedupe"
	"github.com/whats2want/w2w-gateway/internal/router"
	"github.com/whats2want/w2w-gateway/internal/session"
	"github.com/whats2want/w2w-gateway/internal/store"
	"github.com/whats2want/w2w-gateway/internal/whatsapp"
)

// dedupeTTL bounds how long a webhook delivery is remembered; redeliveries
// arrive within minutes, not hours.
const (
	dedupeTTL     = 15 * time.Minute
	dedupeMaxSize = 10000
)

// Gateway orchestrates the w2w-gateway server components. It owns the HTTP
// server for the webhook surface and the background session sweeper.
type Gateway struct {
	config     *config.Config
	store      store.Store
	sessions   *session.Manager
	sweeper    *session.Sweeper
	router     *router.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a gateway with all components wired from the configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	sessions := session.New(s, cfg.Sessions.InactivityWindow, logger)
	sweeper := session.NewSweeper(sessions, cfg.Sessions.SweepInterval, logger)

	responder, err := ai.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating AI responder: %w", err)
	}

	sender := whatsapp.NewClient(cfg.WhatsApp.AccessToken, cfg.WhatsApp.PhoneNumberID, logger)

	msgRouter := router.New(s, sessions, responder, sender,
		dedupe.New(dedupeTTL, dedupeMaxSize),
		router.Config{
			ExitCommands:    cfg.Sessions.ExitCommands,
			HistoryLimit:    cfg.Sessions.HistoryLimit,
			TranscriptLimit: cfg.Sessions.TranscriptLimit,
		},
		logger,
	)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		sessions: sessions,
		sweeper:  sweeper,
		router:   msgRouter,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /whatsapp/webhook", gw.handleVerifyWebhook)
	mux.HandleFunc("POST /whatsapp/webhook", gw.handleWebhook)
	mux.HandleFunc("POST /api/businesses", gw.handleCreateBusiness)
	mux.HandleFunc("GET /api/businesses", gw.handleListBusinesses)
	mux.HandleFunc("GET /api/businesses/{id}", gw.handleGetBusiness)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the HTTP server and the background sweeper and blocks until
// the context is canceled. Returns nil on graceful shutdown, or an error if
// a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	if err := g.sweeper.Start(); err != nil {
		listener.Close()
		return fmt.Errorf("starting session sweeper: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, waits for the sweeper's in-flight run,
// and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.sweeper.Stop()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
