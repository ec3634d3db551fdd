// Package middleware holds the echo middleware of the HTTP surface.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/convopipe/convopipe/pipeline/contract"
)

// RateLimiter enforces a per-user token bucket. The user key is the
// user_id header when present, the client IP otherwise. Stale buckets
// are dropped by a background loop.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rps      rate.Limit
	burst    int
	lifetime time.Duration
	done     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst per user.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		lifetime: 10 * time.Minute,
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the user may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.lifetime)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	close(rl.done)
}

// Middleware returns the echo middleware enforcing the limit. Throttled
// requests receive 429 with a RATE_LIMITED envelope body.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-User-ID")
			if key == "" {
				key = c.RealIP()
			}
			if !rl.Allow(key) {
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error_code": string(contract.CodeRateLimited),
					"message":    "too many requests",
					"retryable":  true,
				})
			}
			return next(c)
		}
	}
}
