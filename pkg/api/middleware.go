package api

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// loggingMiddleware provides structured per-request logging, following
// the teacher's gin.LoggerWithFormatter wiring in pkg/api/middleware.go.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.logger.Info("http request",
			"method", param.Method,
			"path", param.Path,
			"status", param.StatusCode,
			"latency", param.Latency,
			"ip", param.ClientIP,
		)
		return ""
	})
}

// corsMiddleware allows all origins: the allocator is an internal
// service API with no browser session state to protect.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = true
	cfg.AllowMethods = []string{"GET", "POST"}
	cfg.AllowHeaders = []string{"Content-Type"}
	return cors.New(cfg)
}

// rateLimitMiddleware admits or denies POST /alloc requests through the
// dual-scope token bucket limiter (spec.md §4.6: the rate limiter guards
// the allocation endpoint only, keyed by client IP).
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := s.limiter.Admit(c.ClientIP())

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allow {
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			c.Abort()
			return
		}

		c.Next()
	}
}
