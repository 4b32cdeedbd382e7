// Package server provides the HTTP server of the attendance sync service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/config"
	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/handler"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/health"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/middleware"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/service"
	"go.uber.org/zap"
)

// Dependencies are the handlers and services the server routes to
type Dependencies struct {
	WebSocket *handler.WebSocketHandler
	Visitors  *handler.VisitorHandler
	Health    *health.HealthChecker
	Registry  *service.ConnectionRegistry
	Metrics   *metrics.Metrics
}

// Server represents the HTTP server
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	deps         Dependencies
	errorHandler *handler.ErrorHandler
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		deps:         deps,
		errorHandler: handler.NewErrorHandler(logger),
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.deps.Metrics),
		middleware.CORS(s.cfg.WebSocket.AllowedOrigins),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health/live", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)

	// Realtime channel
	wsPath := s.cfg.WebSocket.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.Handle(wsPath, s.deps.WebSocket).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events/visitors", s.deps.Visitors.PublishVisitorEvent).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, &model.ErrorPayload{
			Code:    string(apperrors.ErrCodeInvalidPayload),
			Message: "endpoint not found",
		}, r.Header.Get("X-Request-ID"))
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, &model.ErrorPayload{
			Code:    string(apperrors.ErrCodeInvalidPayload),
			Message: "method not allowed",
		}, r.Header.Get("X-Request-ID"))
	})
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Serve serves HTTP on an existing listener
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Shutdown stops accepting handshakes, closes live connections and waits
// for their handlers to finish or ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server",
		zap.Int("connections", s.deps.Registry.Count()))

	err := s.httpServer.Shutdown(ctx)

	// hijacked websocket connections are not tracked by http.Server
	s.deps.Registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.deps.WebSocket.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("failed to drain connections: %w", ctx.Err())
		}
	}
	return err
}

// Router returns the router for testing purposes
func (s *Server) Router() *mux.Router {
	return s.router
}
