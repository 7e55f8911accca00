package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var _ service.RateLimitService = (*FixedWindowLimiter)(nil)

// resetter is implemented by counters that can drop a bucket.
type resetter interface {
	Reset(ctx context.Context, key string) error
}

// FixedWindowLimiter enforces per-(client, endpoint) limits on top of a WindowCounter.
type FixedWindowLimiter struct {
	counter service.WindowCounter
	config  config.RateLimitConfig
	clock   service.Clock
	logger  logger.Logger
}

// NewFixedWindowLimiter creates a limiter using the window and limits from cfg.
func NewFixedWindowLimiter(counter service.WindowCounter, cfg config.RateLimitConfig, clock service.Clock, log logger.Logger) *FixedWindowLimiter {
	if clock == nil {
		clock = service.SystemClock{}
	}
	log.Info(context.Background(), "Fixed window rate limiter initialized",
		logger.Int("default_limit", cfg.DefaultLimit),
		logger.Duration("window", cfg.Window),
		logger.String("backend", cfg.Backend),
	)
	return &FixedWindowLimiter{counter: counter, config: cfg, clock: clock, logger: log.WithComponent("RateLimiter")}
}

// Check counts one request for (clientID, endpoint).
func (l *FixedWindowLimiter) Check(ctx context.Context, clientID, endpoint string) (models.RateLimitDecision, error) {
	limit := l.config.LimitFor(endpoint)
	window := l.config.Window
	now := l.clock.Now()

	count, start, err := l.counter.Increment(ctx, bucketKey(clientID, endpoint), window, now)
	if err != nil {
		l.logger.Error(ctx, "rate limit counter failed", err,
			logger.String("client_id", clientID),
			logger.String("endpoint", endpoint),
		)
		return models.RateLimitDecision{}, err
	}

	decision := models.RateLimitDecision{
		Allowed:     count <= int64(limit),
		Limit:       limit,
		Current:     count,
		WindowStart: start,
	}
	if !decision.Allowed {
		decision.RetryAfterSeconds = RetryAfterSeconds(start, window, now)
	}
	return decision, nil
}

// Reset clears the bucket for (clientID, endpoint) when the counter supports it.
func (l *FixedWindowLimiter) Reset(ctx context.Context, clientID, endpoint string) error {
	if r, ok := l.counter.(resetter); ok {
		return r.Reset(ctx, bucketKey(clientID, endpoint))
	}
	return nil
}

// RetryAfterSeconds returns ceil(start+window-now) in seconds, at least 1.
func RetryAfterSeconds(start time.Time, window time.Duration, now time.Time) int {
	remaining := start.Add(window).Sub(now)
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func bucketKey(clientID, endpoint string) string {
	return clientID + "|" + endpoint
}
