package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// When an API token is configured, protected routes require:
//   Authorization: Bearer <token>
//
// Health, metrics and the alert stream stay public.
// ──────────────────────────────────────────────────────────────────

// AuthMiddleware validates bearer tokens. An empty token allows every
// request (development mode); in gin release mode that is logged loudly.
func AuthMiddleware(token string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == "" && gin.Mode() == gin.ReleaseMode {
		logger.Warn("api auth token is not set in release mode; protected endpoints are publicly accessible")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <token>",
			})
			return
		}

		scheme, presented, ok := strings.Cut(auth, " ")
		if !ok || scheme != "Bearer" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			return
		}

		// Constant-time comparison.
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Next()
	}
}

type origins struct {
	any     bool
	allowed map[string]struct{}
}

func originSet(list []string) origins {
	o := origins{allowed: make(map[string]struct{}, len(list))}
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "*" {
			o.any = true
		}
		if s != "" {
			o.allowed[s] = struct{}{}
		}
	}
	if len(o.allowed) == 0 {
		o.any = true
	}
	return o
}

func (o origins) allows(origin string) bool {
	if o.any {
		return true
	}
	_, ok := o.allowed[origin]
	return ok
}

// CORSMiddleware echoes allowed origins. An empty list or "*" allows all.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := originSet(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowed.any:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed.allows(origin):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
