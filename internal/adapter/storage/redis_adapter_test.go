package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/ministore/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisUpdateCart_ConcurrentAppendsAreNotLost(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Hour)
	client.Del(ctx, cartKeyPrefix+"test-user")

	writers := 10
	var wg sync.WaitGroup
	var conflicts atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.UpdateCart(ctx, "test-user", func(c *domain.CartLines) error {
				if len(c.Lines) == 0 {
					c.Lines = append(c.Lines, domain.CartLine{ID: "l1", ProductID: "p1"})
				}
				c.Lines[0].Quantity++
				return nil
			})
			if err != nil {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	cart, err := adapter.GetCart(ctx, "test-user")
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, writers-int(conflicts.Load()), cart.Lines[0].Quantity)
}

func TestRedisGetCart_MissingIsEmpty(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Hour)
	client.Del(ctx, cartKeyPrefix+"nobody")

	cart, err := adapter.GetCart(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", cart.UserID)
	assert.Empty(t, cart.Lines)
}

func TestRedisClearCart(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Hour)
	_, err := adapter.UpdateCart(ctx, "clear-user", func(c *domain.CartLines) error {
		c.Lines = []domain.CartLine{{ID: "l1", ProductID: "p1", Quantity: 2}}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, adapter.ClearCart(ctx, "clear-user"))
	cart, err := adapter.GetCart(ctx, "clear-user")
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)
}

func TestRedisIdempotency_Lifecycle(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Hour)
	client.Del(ctx, idempotencyKeyPrefix+"test-idem-key")

	ok, err := adapter.Reserve(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.Reserve(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := adapter.Lookup(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, adapter.Release(ctx, "test-idem-key"))
	ok, err = adapter.Reserve(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, adapter.Complete(ctx, "test-idem-key", "order-42"))
	require.NoError(t, adapter.Release(ctx, "test-idem-key"))
	id, err = adapter.Lookup(ctx, "test-idem-key")
	require.NoError(t, err)
	assert.Equal(t, "order-42", id)
}

func TestRedisReserve_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Hour)
	client.Del(ctx, idempotencyKeyPrefix+"concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.Reserve(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	assert.Equal(t, int32(1), successCount.Load())
}
