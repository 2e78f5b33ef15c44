// Package server is the HTTP boundary: span ingestion and read queries,
// per tenant, with JSON envelopes and domain-error status mapping.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kansatsu/internal/pipeline"
	"github.com/ashita-ai/kansatsu/internal/query"
)

// Server is the Kansatsu HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Pipeline *pipeline.Pipeline
	Query    *query.Service
	Logger   *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	RequireClosure      bool
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		Pipeline:            cfg.Pipeline,
		Query:               cfg.Query,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RequireClosure:      cfg.RequireClosure,
	}

	mux := http.NewServeMux()

	// Ingestion.
	mux.HandleFunc("POST /v1/tenants/{tenant_id}/spans", h.HandleIngest)

	// Queries.
	mux.HandleFunc("GET /v1/tenants/{tenant_id}/tasks/{task_id}/tree", h.HandleTaskTree)
	mux.HandleFunc("GET /v1/tenants/{tenant_id}/issues", h.HandleIssues)
	mux.HandleFunc("GET /v1/tenants/{tenant_id}/metrics/{name}", h.HandleMetricAggregate)

	// Health.
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
