package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/capi-relay/internal/auth"
	"github.com/ignite/capi-relay/internal/config"
)

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
	router  *chi.Mux
}

// NewServer creates a new API server. authManager may be nil when operator
// login is disabled; the trigger token then remains the only way in.
func NewServer(cfg config.ServerConfig, h *Handlers, hc *HealthChecker, authManager *auth.Manager, triggerToken string) *Server {
	router := SetupRoutes(h, hc, authManager, triggerToken)
	return &Server{
		config:  cfg,
		handler: router,
		router:  router,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// A synchronous outbox pass can hold the trigger request for the
		// whole batch, so the write timeout stays generous.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
