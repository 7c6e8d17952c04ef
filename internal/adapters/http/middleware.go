package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/Stage/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientCookie = "ct"
	clientHeader = "X-Client-Id"
	clientKey    = "client_token"
)

// ClientTokenMiddleware tags every request with a client id taken from the
// X-Client-Id header or the ct cookie, minting a cookie when neither exists.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(clientHeader)
		if token == "" {
			token, _ = c.Cookie(clientCookie)
		}
		if token == "" {
			token = uuid.NewString()
			c.SetCookie(clientCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientKey, token)
		c.Next()
	}
}

// RateLimitMiddleware rejects clients that exceed rl with 429.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.GetString(clientKey)
		if !rl.Allow(sid) {
			log.Warn().Str("module", "adapters.http").Str("sid", sid).Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
