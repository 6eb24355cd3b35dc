// ratelimit.go provides gin middleware that throttles requests per caller through a
// ratelimit.Limiter, returning 429 with Retry-After once the caller's budget is spent. A
// limiter failure lets the request through.
package middleware

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/ratelimit"
	"github.com/tenderdesk/orggov/internal/reqctx"
)

// RateLimit admits each request through limiter under the key returned by RateLimitKey.
func RateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := RateLimitKey(c)
		res, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			AbortWithError(c, apperror.New(apperror.CodeRateLimited, "Rate limit exceeded").
				WithDetail("retry_after_seconds", retry))
			return
		}
		c.Next()
	}
}

// RateLimitKey identifies the caller: the authenticated user when RequestContext resolved one,
// otherwise the client IP.
func RateLimitKey(c *gin.Context) string {
	if id, ok := reqctx.IdentityFrom(c.Request.Context()); ok {
		return "user:" + id.UserID
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
