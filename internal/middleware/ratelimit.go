package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimiter keeps an in-process token bucket per key
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    rps * 2,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}

	return limiter
}

func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return rl.getLimiter(key).Allow(), nil
}

// Cleanup drops the limiter table once it grows past maxKeys, until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context, maxKeys int) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.mu.Lock()
				if len(rl.limiters) > maxKeys {
					rl.limiters = make(map[string]*rate.Limiter)
				}
				rl.mu.Unlock()
			}
		}
	}()
}

// TokenBucket is the subset of the Redis client used for shared limits
type TokenBucket interface {
	Allow(ctx context.Context, key string, rate int, burst int) (bool, error)
}

// SharedRateLimiter enforces one limit per key across all instances
type SharedRateLimiter struct {
	bucket TokenBucket
	rps    int
}

func NewSharedRateLimiter(bucket TokenBucket, rps int) *SharedRateLimiter {
	return &SharedRateLimiter{bucket: bucket, rps: rps}
}

func (s *SharedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return s.bucket.Allow(ctx, key, s.rps, s.rps*2)
}

// RateLimitMiddleware limits requests per reviewer, or per client IP when unauthenticated
func RateLimitMiddleware(l Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			if uid, ok := userID.(uuid.UUID); ok {
				key = scope + ":user:" + uid.String()
			}
		}

		allowed, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			// limiter backend down: let the request through
			slog.Warn("rate limiter unavailable", "key", key, "err", err)
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
