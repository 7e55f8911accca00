package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/paygate/internal/domain/service"
)

// TokenBucket throttles one subject flagged by a threat response. It is a rate.Limiter read against
// the injected clock so throttles can be driven in tests.
type TokenBucket struct {
	limiter *rate.Limiter
	clock   service.Clock
}

// TokenBucketConfig sizes the buckets of a pool.
type TokenBucketConfig struct {
	// Capacity is the burst a quiet subject may spend at once.
	Capacity float64
	// Rate is the number of tokens added per second.
	Rate float64
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, perSecond float64, clock service.Clock) *TokenBucket {
	if clock == nil {
		clock = service.SystemClock{}
	}
	if capacity < 1 {
		capacity = 1
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(math.Ceil(capacity))),
		clock:   clock,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.limiter.AllowN(tb.clock.Now(), 1)
}

// TimeUntilAvailable returns how long until n tokens are available, without consuming them.
func (tb *TokenBucket) TimeUntilAvailable(n int) time.Duration {
	now := tb.clock.Now()
	r := tb.limiter.ReserveN(now, n)
	if !r.OK() {
		return rate.InfDuration
	}
	defer r.CancelAt(now)
	return r.DelayFrom(now)
}

// TokenBucketPool keeps one bucket per subject and forgets idle ones.
// TokenBucketPool 为每个主体维护一个令牌桶，并清理空闲的桶。
type TokenBucketPool struct {
	mu      sync.Mutex
	buckets map[string]*pooledBucket
	config  TokenBucketConfig
	clock   service.Clock
}

type pooledBucket struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// NewTokenBucketPool creates an empty pool.
func NewTokenBucketPool(config TokenBucketConfig, clock service.Clock) *TokenBucketPool {
	if clock == nil {
		clock = service.SystemClock{}
	}
	return &TokenBucketPool{
		buckets: make(map[string]*pooledBucket),
		config:  config,
		clock:   clock,
	}
}

// GetOrCreate returns subject's bucket, creating a full one on first use.
func (p *TokenBucketPool) GetOrCreate(subject string) *TokenBucket {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.buckets[subject]
	if !ok {
		entry = &pooledBucket{bucket: NewTokenBucket(p.config.Capacity, p.config.Rate, p.clock)}
		p.buckets[subject] = entry
	}
	entry.lastUsed = now
	return entry.bucket
}

// Remove drops subject's bucket.
func (p *TokenBucketPool) Remove(subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buckets, subject)
}

// Cleanup removes buckets idle for longer than maxIdle and reports how many it removed.
func (p *TokenBucketPool) Cleanup(maxIdle time.Duration) int {
	cutoff := p.clock.Now().Add(-maxIdle)
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for subject, entry := range p.buckets {
		if entry.lastUsed.Before(cutoff) {
			delete(p.buckets, subject)
			removed++
		}
	}
	return removed
}

// Size returns the number of buckets.
func (p *TokenBucketPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}
