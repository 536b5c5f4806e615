package api

import (
	"crypto/subtle"
	"strings"
	"time"

	"example.com/eduwallet/services/partners/internal/api/handlers"
	"example.com/eduwallet/services/partners/internal/cache"
	"example.com/eduwallet/services/partners/internal/credentials"
	"example.com/eduwallet/services/partners/internal/metrics"
	"example.com/eduwallet/services/partners/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey     = "X-Request-ID"
	apiKeyHeader     = "X-API-Key"
	adminTokenHeader = "X-Admin-Token"
)

// RequestIDMiddleware adds a request ID to the context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(requestIDKey, requestID)
		c.Header(requestIDKey, requestID)

		c.Next()
	}
}

// LoggingMiddleware logs API requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("API request")
	}
}

// APIKeyAuth resolves the partner from a Bearer token or X-API-Key header
// and applies its per-minute request limit
func APIKeyAuth(verifier *credentials.Verifier, limiter *cache.RedisCache, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if auth := c.GetHeader("Authorization"); key == "" && auth != "" {
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				key = parts[1]
			}
		}

		partner, err := verifier.AuthenticateAPIKey(c.Request.Context(), key)
		if err != nil {
			handlers.RespondError(c, err)
			c.Abort()
			return
		}

		if !limiter.Allow(c.Request.Context(), partner.ID, partner.RateLimitPerMinute) {
			m.IncrementCounter(metrics.RateLimited)
			c.Header("Retry-After", "60")
			handlers.RespondError(c, models.ErrRateLimited)
			c.Abort()
			return
		}

		handlers.SetPartner(c, partner)
		c.Next()
	}
}

// AdminAuth guards operator routes with a shared token. An empty configured
// token disables the admin API.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(adminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			handlers.RespondError(c, models.ErrUnauthenticated)
			c.Abort()
			return
		}
		c.Next()
	}
}
