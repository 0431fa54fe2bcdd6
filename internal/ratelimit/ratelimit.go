// Package ratelimit provides per-caller rate limiting for the subsync API.
//
// The reconcile endpoint triggers a remote provider call per request, so
// user-triggered refresh storms are throttled here rather than in the
// engine, which stays single-shot.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coachdesk/subsync/internal/auth"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained per-caller budget.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle entries are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for the reconcile route.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token-bucket limiter keyed by authenticated user id,
// falling back to client IP for unauthenticated requests.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// New creates a rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultConfig().BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether the caller identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastFill: now}
		l.buckets[key] = b
	}

	refill := now.Sub(b.lastFill).Minutes() * float64(l.cfg.RequestsPerMinute)
	b.tokens += refill
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects callers over their budget with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.GetUserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastFill.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
