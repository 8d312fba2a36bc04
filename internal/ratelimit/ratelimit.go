// Package ratelimit enforces a fixed-window per-IP limit on the public
// submission endpoint. The counter lives in the store so every replica sees
// the same window.
package ratelimit

import (
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/store"
)

// Defaults for the public attendance endpoint.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 40
)

var keyPattern = regexp.MustCompile(`[^a-zA-Z0-9.:-]`)

// SanitizeKey normalizes a client IP into a storage-safe key.
func SanitizeKey(ip string) string {
	if ip == "" {
		return "unknown"
	}
	return keyPattern.ReplaceAllString(ip, "_")
}

// Limiter is a store-backed fixed-window rate limiter.
type Limiter struct {
	store  store.Store
	window time.Duration
	max    int
}

// New creates a limiter. Non-positive arguments fall back to the defaults.
func New(st store.Store, window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Limiter{store: st, window: window, max: max}
}

// GinMiddleware returns a gin handler enforcing the per-IP limit. A limiter
// storage failure lets the request through: losing a submission over a
// counter hiccup is the worse outcome.
func (l *Limiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := SanitizeKey(c.ClientIP())
		ok, err := l.store.TakeRateLimit(c.Request.Context(), key, l.window, l.max)
		if err != nil {
			log.Printf("rate limit check failed for %s: %v", key, err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
