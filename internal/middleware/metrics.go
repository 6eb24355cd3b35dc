// Package middleware provides gin middleware for hosts that expose the governance services
// over HTTP: request ids, caller identity and client metadata, Prometheus request metrics,
// rate limiting and the mapping of service errors to HTTP responses.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// Metrics records telemetry.HTTPRequestsTotal and telemetry.HTTPRequestDuration for every
// request. The path label is the matched route template; unmatched requests use "<no-route>".
//
// Register it after gin.Recovery() and RequestID so the final status is captured:
//
//	router.Use(gin.Recovery())
//	router.Use(middleware.RequestID())
//	router.Use(middleware.Metrics())
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
