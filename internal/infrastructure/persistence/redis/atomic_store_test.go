package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/paygate/pkg/logger"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestAtomicStore_Operations(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	s := NewAtomicStore(client, "idem")

	ok, err := s.PutIfAbsent(ctx, "POST:key-12345678", "pending", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("paygate:idem:POST:key-12345678"))

	ok, err = s.PutIfAbsent(ctx, "POST:key-12345678", "pending", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "POST:key-12345678", "nope", "done:201", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CompareAndSwap(ctx, "POST:key-12345678", "pending", "done:201", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	v, found, err := s.Get(ctx, "POST:key-12345678")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "done:201", v)

	v, found, err = s.Take(ctx, "POST:key-12345678")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "done:201", v)
	_, found, err = s.Take(ctx, "POST:key-12345678")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = s.CompareAndSwap(ctx, "absent", "", "x", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAtomicStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	s := NewAtomicStore(client, "nonce")

	ok, err := s.PutIfAbsent(ctx, "n1", "1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	_, found, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAtomicStore_ConcurrentPutIfAbsent(t *testing.T) {
	_, client := setupMiniredis(t)
	s := NewAtomicStore(client, "idem")

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.PutIfAbsent(context.Background(), "dup", "pending", time.Hour); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestRedisConnection_HealthCheck(t *testing.T) {
	_, client := setupMiniredis(t)
	conn := NewRedisConnectionFromClient(client, logger.NewNoopLogger())

	health, err := conn.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, health["connected"])
	require.NoError(t, conn.Close())
	assert.Nil(t, conn.GetClient())
}
