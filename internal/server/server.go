// Package server exposes the audit API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/server/handler"
	"github.com/alanyoungcy/econaudit/internal/server/middleware"
	"github.com/alanyoungcy/econaudit/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per minute per client; zero disables.
	RateLimit int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Audits  *handler.AuditHandler
	Metrics http.Handler
}

// Options carries optional collaborators.
type Options struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Observer middleware.RequestObserver
}

// Server is the audit API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths bypass API-key auth.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer registers every route and builds the middleware chain:
// CORS, logging, rate limit, auth, then the mux.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("POST /api/audits", handlers.Audits.Submit)
	mux.HandleFunc("GET /api/audits/recent", handlers.Audits.ListRecent)
	mux.HandleFunc("GET /api/audits/{id}", handlers.Audits.Get)
	mux.HandleFunc("GET /api/audits/{id}/evidence", handlers.Audits.Evidence)
	mux.HandleFunc("GET /api/opportunities/recent", handlers.Audits.RecentOpportunities)
	mux.HandleFunc("GET /api/executions/recent", handlers.Audits.RecentExecutions)
	mux.HandleFunc("GET /api/artifacts/{id}/source", handlers.Audits.ArtifactSource)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	if opts.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(opts.Limiter, cfg.RateLimit, time.Minute, logger)(h)
	}
	h = middleware.Logging(logger, opts.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Synchronous audits (?wait=true) hold the response open for
			// the whole audit, so no write timeout is set here.
			IdleTimeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
