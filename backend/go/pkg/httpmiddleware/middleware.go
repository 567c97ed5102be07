package httpmiddleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/circuitbreaker"
	"Foreman/backend/go/pkg/logger"
	"Foreman/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// RateLimit rejects requests with 429 once the global limiter is exhausted.
func RateLimit(limiter ratelimiter.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// RateLimitBy limits each caller separately; keyFn extracts the caller key
// (e.g. the authenticated subject or the client IP).
func RateLimitBy(limiter ratelimiter.KeyedRateLimiter, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.AllowKey(keyFn(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// CircuitBreak applies the circuit breaker to a route group. Status >= 500
// counts as a failure; an open circuit answers 503 without calling the handler.
func CircuitBreak(breaker circuitbreaker.CircuitBreaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := breaker.Execute(func() (interface{}, error) {
			c.Next()
			if status := c.Writer.Status(); status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("server error: status code %d", status)
			}
			return nil, nil
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Service Unavailable: Circuit Breaker is open"})
		}
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithRequest(models.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.FullPath(),
			StatusCode: c.Writer.Status(),
			RemoteAddr: c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			LatencyMs:  time.Since(start).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithFault(c.Errors.Last().Err)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}
