package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type AuthConfig struct {
	Token                string
	AllowUnauthenticated bool
}

// RequireToken only admits requests carrying "Authorization: Bearer <token>".
// With no token configured every request is rejected unless
// AllowUnauthenticated is set.
func RequireToken(cfg AuthConfig) gin.HandlerFunc {
	want := []byte(cfg.Token)

	return func(c *gin.Context) {
		if cfg.Token == "" {
			if cfg.AllowUnauthenticated {
				c.Next()
				return
			}
			abort(c, http.StatusUnauthorized, "unauthorized", "authentication is not configured")
			return
		}

		header := c.GetHeader("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
			return
		}
		c.Next()
	}
}

// RateLimit rejects requests beyond what limiter admits with 429.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			abort(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}
