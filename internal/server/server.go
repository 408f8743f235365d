// Package server exposes the operator API: strategy lifecycle, risk
// controls, order and audit queries, and a WebSocket event feed.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/server/handler"
	"github.com/mirrorlabs/mirrorbot/internal/server/middleware"
	"github.com/mirrorlabs/mirrorbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	AuthToken   string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow when a limiter
	// is provided to NewServer. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Strategies  *handler.StrategyHandler
	Orders      *handler.OrderHandler
	Redemptions *handler.RedemptionHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, logging, CORS, auth) applied.
// limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Strategy lifecycle and risk controls.
	mux.HandleFunc("POST /api/strategies", handlers.Strategies.Launch)
	mux.HandleFunc("GET /api/strategies", handlers.Strategies.List)
	mux.HandleFunc("GET /api/strategies/{id}", handlers.Strategies.Get)
	mux.HandleFunc("POST /api/strategies/{id}/pause", handlers.Strategies.Pause)
	mux.HandleFunc("POST /api/strategies/{id}/resume", handlers.Strategies.Resume)
	mux.HandleFunc("POST /api/strategies/{id}/terminate", handlers.Strategies.Terminate)
	mux.HandleFunc("POST /api/strategies/{id}/breaker/reset", handlers.Strategies.ResetBreaker)
	mux.HandleFunc("GET /api/strategies/{id}/risk", handlers.Strategies.RiskState)
	mux.HandleFunc("GET /api/strategies/{id}/rules", handlers.Strategies.GetRules)
	mux.HandleFunc("PUT /api/strategies/{id}/rules", handlers.Strategies.UpdateRules)
	mux.HandleFunc("GET /api/strategies/{id}/events", handlers.Orders.StrategyEvents)

	// Orders and their audit trails (read-only).
	mux.HandleFunc("GET /api/orders", handlers.Orders.List)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.Get)
	mux.HandleFunc("GET /api/orders/{id}/events", handlers.Orders.Events)

	// Redemptions (read-only).
	mux.HandleFunc("GET /api/redemptions", handlers.Redemptions.ListUnconfirmed)
	mux.HandleFunc("GET /api/redemptions/{id}", handlers.Redemptions.Get)

	// WebSocket event feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.AuthToken)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
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
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
