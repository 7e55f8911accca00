package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
)

var _ service.WindowCounter = (*MemoryWindowCounter)(nil)

const shardCount = 64

type counterShard struct {
	mu      sync.Mutex
	buckets map[string]*models.ClientBucket
}

// MemoryWindowCounter is a sharded in-process counter. Each key is serialized by its shard lock.
type MemoryWindowCounter struct {
	shards [shardCount]*counterShard
}

// NewMemoryWindowCounter creates an empty counter.
func NewMemoryWindowCounter() *MemoryWindowCounter {
	c := &MemoryWindowCounter{}
	for i := range c.shards {
		c.shards[i] = &counterShard{buckets: make(map[string]*models.ClientBucket)}
	}
	return c
}

func (c *MemoryWindowCounter) shard(key string) *counterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Increment resets the bucket once now reaches WindowStart+window, else increments it.
func (c *MemoryWindowCounter) Increment(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.WindowStart.Add(window)) {
		b = &models.ClientBucket{WindowStart: now, Count: 1}
		s.buckets[key] = b
		return b.Count, b.WindowStart, nil
	}
	b.Count++
	return b.Count, b.WindowStart, nil
}

// Reset deletes the bucket for key.
func (c *MemoryWindowCounter) Reset(_ context.Context, key string) error {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops buckets whose window ended before now. It returns the number removed.
func (c *MemoryWindowCounter) Sweep(window time.Duration, now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, b := range s.buckets {
			if !now.Before(b.WindowStart.Add(window)) {
				delete(s.buckets, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Size returns the number of live buckets.
func (c *MemoryWindowCounter) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}
