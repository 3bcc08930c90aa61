package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Authentication requires "Authorization: Bearer <token>" on every request.
// An empty token allows all requests.
func Authentication(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "missing or invalid bearer token"},
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request through zerolog.
func RequestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	status := c.Writer.Status()
	ev := log.Debug()
	switch {
	case status >= 500:
		ev = log.Error()
	case status >= 400:
		ev = log.Warn()
	}
	ev.Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", status).
		Dur("took", time.Since(start)).
		Str("client_ip", c.ClientIP()).
		Msg("http request")
}
