package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tullo/moderation/internal/models"
)

// SafetyEventsChannel carries events that need a human reviewer
const SafetyEventsChannel = "safety_events"

type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		ctx:    ctx,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping reports whether Redis answers
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Pub/Sub

// PublishSafetyEvent announces an event to every instance's review feed
func (r *RedisClient) PublishSafetyEvent(ctx context.Context, event *models.SafetyEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode safety event: %w", err)
	}

	if err := r.client.Publish(ctx, SafetyEventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish safety event: %w", err)
	}
	return nil
}

// SubscribeToSafetyEvents subscribes to the review feed channel
func (r *RedisClient) SubscribeToSafetyEvents() *redis.PubSub {
	return r.client.Subscribe(r.ctx, SafetyEventsChannel)
}

const allowScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end
local delta = math.max(0, now - last)
local new_tokens = math.min(burst, tokens + (delta * rate / 1000))
local allowed = 0
if new_tokens >= 1 then
	new_tokens = new_tokens - 1
	allowed = 1
end
redis.call('HMSET', key, 'tokens', new_tokens, 'last', now)
redis.call('PEXPIRE', key, 60000)
return allowed
`

// Allow implements a Redis-backed token bucket per key, shared by all instances.
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) Allow(ctx context.Context, key string, rate int, burst int) (bool, error) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	res, err := r.client.Eval(ctx, allowScript, []string{"rl:" + key}, rate, burst, now).Result()
	if err != nil {
		return false, err
	}
	// Eval returns int64 (1 or 0)
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case int:
		return v == 1, nil
	default:
		return false, fmt.Errorf("unexpected result from rate limiter: %T %v", res, res)
	}
}
