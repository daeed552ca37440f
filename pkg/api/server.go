// Package api is the request handler (C7): a thin Gin-based transport
// shell that validates input, applies the rate limiter, invokes the
// allocation engine, and maps engine error kinds to HTTP status codes
// exactly once, per the layering the teacher's pkg/api/server.go
// establishes (a Server struct holding its collaborators, setupRouter
// wiring middleware then routes).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
	"github.com/khryptorgraphics/tokenallocator/pkg/allocator"
	"github.com/khryptorgraphics/tokenallocator/pkg/ratelimit"
)

// Server is the HTTP transport shell around the allocation engine.
type Server struct {
	cfg     *config.Config
	engine  *allocator.Engine
	policy  *allocator.Policy
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
}

// NewServer wires a Server from its collaborators. limiter may be nil
// when RATE_LIMIT_ENABLED is false.
func NewServer(cfg *config.Config, engine *allocator.Engine, policy *allocator.Policy, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, engine: engine, policy: policy, limiter: limiter, logger: logger}
}

// Start runs the HTTP server until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRouter()

	s.server = &http.Server{
		Addr:         ":" + strconv.Itoa(s.cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting allocator API", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping allocator API")
	return s.server.Shutdown(ctx)
}

// Handler exposes the configured router directly, for tests that drive
// requests with httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.Env == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", s.metricsHandler)
	router.GET("/strategy", s.getStrategyHandler)
	router.POST("/strategy", s.setStrategyHandler)

	alloc := router.Group("/alloc")
	if s.limiter != nil {
		alloc.Use(s.rateLimitMiddleware())
	}
	alloc.POST("", s.allocHandler)

	router.POST("/free", s.freeHandler)

	return router
}
