package middleware

import (
	"fmt"
	"strconv"
	"time"

	"session-wallet/internal/core/ports"
	"session-wallet/pkg/apperror"
	"session-wallet/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// RateLimitRules derives the per-group limits from the configured base rate.
// Reads get twice the base, purchases the base, other writes half of it.
func RateLimitRules(limit int64, window time.Duration) map[string]RateLimitRule {
	half := limit / 2
	if half < 1 {
		half = 1
	}
	return map[string]RateLimitRule{
		"sessions_read":  {Limit: limit * 2, Window: window},
		"sessions_write": {Limit: half, Window: window},
		"purchases":      {Limit: limit, Window: window},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
func RateLimiter(limiter ports.RateLimiter, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := extractIdentifier(c)
		key := fmt.Sprintf("%s:%s", identifier, group)

		result, err := limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		// Always set rate limit headers
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys limits by caller identity, falling back to client IP.
func extractIdentifier(c *gin.Context) string {
	if id := Identity(c); id != "" {
		return "id:" + id
	}
	return "ip:" + c.ClientIP()
}
