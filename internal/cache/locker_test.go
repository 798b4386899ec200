package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live Redis; set REDIS_TEST_ADDR to run them.
func testClient(t *testing.T) *RedisClient {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	c, err := NewRedisClient(addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisLockerExcludes(t *testing.T) {
	l := NewRedisLocker(testClient(t), time.Second)
	key := "test:" + t.Name()

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisLockerSerializes(t *testing.T) {
	l := NewRedisLocker(testClient(t), 5*time.Second)
	key := "test:" + t.Name()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestAllow(t *testing.T) {
	c := testClient(t)
	key := "test:" + t.Name() + time.Now().String()

	allowed := 0
	for i := 0; i < 5; i++ {
		ok, err := c.Allow(context.Background(), key, 1, 3)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}
