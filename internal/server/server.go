// Package server exposes the engine over HTTP: the JSON API, the WebSocket
// event stream and the Prometheus metrics endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/server/handler"
	"github.com/natebag/trenchtools/internal/server/middleware"
	"github.com/natebag/trenchtools/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// ExitRateLimit caps sell/emergency requests per client per minute.
	// Zero disables limiting.
	ExitRateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Audit may be nil when no database is configured.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Control   *handler.ControlHandler
	Prices    *handler.PriceHandler
	Audit     *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil, which disables rate limiting of exit endpoints.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	limitExits := func(h http.HandlerFunc) http.Handler { return h }
	if limiter != nil && cfg.ExitRateLimit > 0 {
		rl := middleware.RateLimit(limiter, "exit", cfg.ExitRateLimit, time.Minute, logger)
		limitExits = func(h http.HandlerFunc) http.Handler { return rl(h) }
	}

	// Health check and metrics.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/stats", handlers.Positions.Stats)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/history", handlers.Positions.History)
	mux.HandleFunc("POST /api/positions", handlers.Positions.OpenManual)
	mux.HandleFunc("POST /api/positions/acquisitions", handlers.Positions.OpenAcquisition)
	mux.Handle("POST /api/positions/{id}/sell", limitExits(handlers.Positions.Sell))
	mux.Handle("POST /api/positions/{id}/emergency", limitExits(handlers.Positions.Emergency))
	mux.Handle("POST /api/positions/{id}/retry/{trigger}", limitExits(handlers.Positions.Retry))
	mux.HandleFunc("PUT /api/positions/{id}/policy", handlers.Positions.UpdatePolicy)
	mux.HandleFunc("DELETE /api/positions/{id}", handlers.Positions.Remove)

	// Engine control.
	mux.HandleFunc("GET /api/status", handlers.Control.GetStatus)
	mux.HandleFunc("POST /api/control/pause", handlers.Control.Pause)
	mux.HandleFunc("POST /api/control/resume", handlers.Control.Resume)

	// Prices.
	mux.HandleFunc("POST /api/prices", handlers.Prices.PushPrice)
	mux.HandleFunc("GET /api/prices/{asset}", handlers.Prices.GetPrice)

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(middleware.AuthConfig{
		APIKey: cfg.APIKey,
		Public: []string{"/api/health", "/metrics"},
	})(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
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
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
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
