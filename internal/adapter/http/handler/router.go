package handler

import (
	"time"

	"session-wallet/internal/adapter/http/middleware"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	SessionSvc     ports.SessionService
	TokenSvc       ports.TokenService
	RateLimiter    ports.RateLimiter // nil = rate limiting disabled
	RateLimit      int64
	RateWindow     time.Duration
	HealthCheckers []ports.HealthChecker
	AuditSvc       ports.AuditService // nil = audit logging disabled
	Metrics        *metrics.Metrics   // nil = /metrics not served
	EventFeed      ports.EventFeed    // nil = live event stream not served
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	// Audit logging (after response)
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	// Health check (deep: pings every configured store)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	rules := middleware.RateLimitRules(deps.RateLimit, deps.RateWindow)

	// Helper: return rate limiter middleware if a limiter is configured, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok || rule.Limit <= 0 || rule.Window <= 0 {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimiter, group, rule, deps.Logger)
	}

	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	h := NewSessionHandler(deps.SessionSvc)

	v1 := r.Group("/api/v1", jwtAuth)

	sessions := v1.Group("/sessions")
	{
		sessions.POST("", rl("sessions_write"), h.Initialize)
		sessions.GET("/:session_id", rl("sessions_read"), h.Get)
		sessions.POST("/:session_id/fund", rl("sessions_write"), h.Fund)
		sessions.POST("/:session_id/purchases", rl("purchases"), h.Purchase)
		sessions.POST("/:session_id/close", rl("sessions_write"), h.Close)
		sessions.GET("/:session_id/events", rl("sessions_read"), h.ListEvents)
		if deps.EventFeed != nil {
			live := NewStreamHandler(deps.SessionSvc, deps.EventFeed, deps.Logger)
			sessions.GET("/:session_id/events/live", rl("sessions_read"), live.Live)
		}
	}

	v1.GET("/addresses/:session_id", rl("sessions_read"), h.DeriveAddress)

	return r
}
