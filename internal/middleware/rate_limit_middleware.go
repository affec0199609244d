// internal/middleware/rate_limit_middleware.go
package middleware

import (
	"context"
	"net/http"
	"time"

	"subsync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Limiter interface {
	Allow(ctx context.Context, scope, caller string, max int64, window time.Duration) (bool, error)
}

// RateLimit throttles by client IP. Counter errors let the request through.
func RateLimit(limiter Limiter, scope string, max int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), scope, c.ClientIP(), max, window)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "too many requests", nil)
			return
		}
		c.Next()
	}
}
