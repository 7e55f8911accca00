package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
)

func TestAtomicStore_Operations(t *testing.T) {
	ctx := context.Background()
	clock := scheduler.NewManualScheduler(time.Unix(1_700_000_000, 0))
	s := NewAtomicStore(clock)

	ok, err := s.PutIfAbsent(ctx, "k", "pending", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.PutIfAbsent(ctx, "k", "other", time.Minute)
	assert.False(t, ok)

	ok, _ = s.CompareAndSwap(ctx, "k", "wrong", "done:201", time.Minute)
	assert.False(t, ok)
	ok, _ = s.CompareAndSwap(ctx, "k", "pending", "done:201", time.Minute)
	assert.True(t, ok)

	v, found, _ := s.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, "done:201", v)

	v, found, _ = s.Take(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, "done:201", v)
	_, found, _ = s.Take(ctx, "k")
	assert.False(t, found)
}

func TestAtomicStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := scheduler.NewManualScheduler(time.Unix(1_700_000_000, 0))
	s := NewAtomicStore(clock)

	_, _ = s.PutIfAbsent(ctx, "a", "1", time.Minute)
	_, _ = s.PutIfAbsent(ctx, "b", "1", 0)

	clock.Advance(time.Minute)
	_, found, _ := s.Get(ctx, "a")
	assert.False(t, found)

	ok, _ := s.PutIfAbsent(ctx, "a", "2", time.Minute)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	n, _ := s.Sweep(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
}

func TestAtomicStore_ConcurrentPutIfAbsent(t *testing.T) {
	s := NewAtomicStore(nil)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.PutIfAbsent(context.Background(), "idem", "pending", time.Hour); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
