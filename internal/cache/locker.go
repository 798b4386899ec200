package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our owner token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a per-key lock shared across service instances. Each
// acquisition is owned by a fresh UUID; the TTL bounds a crashed holder.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(r *RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: r.client, ttl: ttl, retry: defaultLockRetry}
}

// Lock blocks until key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	key = "lock:" + key
	owner := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(key, owner), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlocker(key, owner string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, owner) })
	}
}

func (l *RedisLocker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Error("failed to release lock", "key", key, "err", err)
	}
}
