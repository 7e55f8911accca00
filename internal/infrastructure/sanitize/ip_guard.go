package sanitize

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// ErrSanitizerRateExceeded is returned when a source IP calls the sanitizer faster than allowed.
// It is independent of the request Rate Limiter.
var ErrSanitizerRateExceeded = errors.New("sanitizer rate exceeded")

// IPGuard keeps one token bucket per source IP. Idle buckets expire.
type IPGuard struct {
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewIPGuard allows perSecond calls per IP with the given burst.
func NewIPGuard(perSecond float64, burst int, idle time.Duration) *IPGuard {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &IPGuard{
		limiters: cache.New(idle, idle),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether ip may make another call now.
func (g *IPGuard) Allow(ip string) bool {
	return g.limiterFor(ip).Allow()
}

func (g *IPGuard) limiterFor(ip string) *rate.Limiter {
	if l, found := g.limiters.Get(ip); found {
		g.limiters.SetDefault(ip, l)
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(g.limit, g.burst)
	if err := g.limiters.Add(ip, l, cache.DefaultExpiration); err != nil {
		// lost the race; use the winner
		if existing, found := g.limiters.Get(ip); found {
			return existing.(*rate.Limiter)
		}
	}
	return l
}

// Size returns the number of tracked IPs.
func (g *IPGuard) Size() int { return g.limiters.ItemCount() }
