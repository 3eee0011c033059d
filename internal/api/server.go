// Package api exposes the executor over HTTP: the signal trigger endpoint
// plus read-only status, history, and PnL views.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"perp-executor/internal/config"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, handlers *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/trigger", handlers.HandleTrigger)
	mux.HandleFunc("/api/close_all", handlers.HandleCloseAll)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/position_history", handlers.HandleHistory)
	mux.HandleFunc("/api/daily_pnl", handlers.HandleDailyPnL)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
