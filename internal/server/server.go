// Package server exposes the read-only status API and the dashboard
// WebSocket endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
	"github.com/alanyoungcy/mirrorbot/internal/server/handler"
	"github.com/alanyoungcy/mirrorbot/internal/server/middleware"
	"github.com/alanyoungcy/mirrorbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port              int
	CORSOrigins       []string
	APIKey            string // if empty, authentication is disabled
	RequestsPerMinute int    // per-client rate limit, 0 disables
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Accounts *handler.AccountHandler
	Tasks    *handler.TaskHandler
	Events   *handler.EventHandler
	Recons   *handler.ReconHandler
	Archive  *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server. Every endpoint is read-only:
// replication behaviour changes flow through configuration, never through
// this API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and middleware wired.
// limiter may be nil, in which case per-client rate limiting is skipped.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check, no auth required.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/accounts", handlers.Accounts.ListAccounts)
	mux.HandleFunc("GET /api/tasks", handlers.Tasks.ListTasks)
	mux.HandleFunc("GET /api/tasks/{key}", handlers.Tasks.GetTask)
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	mux.HandleFunc("GET /api/discrepancies", handlers.Recons.ListDiscrepancies)
	mux.HandleFunc("GET /api/reconciliations", handlers.Recons.ListReconciliations)
	mux.HandleFunc("GET /api/archive", handlers.Archive.ListArchives)
	mux.HandleFunc("GET /api/archive/{key...}", handlers.Archive.GetArchive)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RequestsPerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RequestsPerMinute, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests within
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
