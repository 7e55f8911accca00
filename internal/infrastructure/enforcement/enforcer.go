// Package enforcement keeps the dynamic blocklist and throttle registry fed by threat responses, and fans
// directives out to other gateway instances.
package enforcement

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/infrastructure/ratelimit"
	"github.com/turtacn/paygate/pkg/logger"
)

var (
	_ service.Enforcer         = (*Enforcer)(nil)
	_ service.EnforcementState = (*Enforcer)(nil)
)

type blockEntry struct {
	Reason string
	Until  time.Time
}

type throttleEntry struct {
	Level models.ThrottleLevel
	Until time.Time
}

// DirectivePublisher ships directives to the other instances.
type DirectivePublisher interface {
	PublishDirective(ctx context.Context, d Directive) error
}

// Enforcer applies block and throttle responses. Entries carry their own deadline checked against the
// injected clock; go-cache expiry only reclaims memory.
type Enforcer struct {
	blocks    *cache.Cache
	throttles *cache.Cache
	moderate  *ratelimit.TokenBucketPool
	strict    *ratelimit.TokenBucketPool

	publisher  DirectivePublisher
	instanceID string
	clock      service.Clock
	logger     logger.Logger
}

// NewEnforcer creates an enforcer. publisher may be nil for single-instance deployments.
func NewEnforcer(cfg config.RateLimitConfig, clock service.Clock, publisher DirectivePublisher, instanceID string, log logger.Logger) *Enforcer {
	if clock == nil {
		clock = service.SystemClock{}
	}
	moderate, strict := cfg.ModerateRPS, cfg.StrictRPS
	if moderate <= 0 {
		moderate = 5
	}
	if strict <= 0 {
		strict = 1
	}
	burst := float64(cfg.ThrottleBurst)
	if burst <= 0 {
		burst = 5
	}
	return &Enforcer{
		blocks:     cache.New(time.Hour, 10*time.Minute),
		throttles:  cache.New(15*time.Minute, 10*time.Minute),
		moderate:   ratelimit.NewTokenBucketPool(ratelimit.TokenBucketConfig{Capacity: burst, Rate: moderate}, clock),
		strict:     ratelimit.NewTokenBucketPool(ratelimit.TokenBucketConfig{Capacity: 1, Rate: strict}, clock),
		publisher:  publisher,
		instanceID: instanceID,
		clock:      clock,
		logger:     log.WithComponent("Enforcer"),
	}
}

// InstanceID identifies this instance on published directives.
func (e *Enforcer) InstanceID() string { return e.instanceID }

// Block denies subject until ttl elapses and tells the other instances.
func (e *Enforcer) Block(ctx context.Context, subject string, ttl time.Duration, reason string) error {
	until := e.clock.Now().Add(ttl)
	e.applyBlock(subject, until, reason)
	e.logger.Warn(ctx, "subject blocked",
		logger.String("subject", subject),
		logger.String("reason", reason),
		logger.Time("until", until),
	)
	return e.publish(ctx, Directive{Kind: DirectiveBlock, Subject: subject, Reason: reason, ExpiresAt: until})
}

// Throttle caps subject at level until ttl elapses. A stricter active throttle is never weakened.
func (e *Enforcer) Throttle(ctx context.Context, subject string, level models.ThrottleLevel, ttl time.Duration) error {
	until := e.clock.Now().Add(ttl)
	if !e.applyThrottle(subject, level, until) {
		return nil
	}
	e.logger.Info(ctx, "subject throttled",
		logger.String("subject", subject),
		logger.String("level", string(level)),
		logger.Time("until", until),
	)
	return e.publish(ctx, Directive{Kind: DirectiveThrottle, Subject: subject, Level: level, ExpiresAt: until})
}

// Unblock lifts a block locally.
func (e *Enforcer) Unblock(subject string) {
	e.blocks.Delete(subject)
}

// Blocked reports whether subject is currently blocked.
func (e *Enforcer) Blocked(subject string) (string, bool) {
	v, ok := e.blocks.Get(subject)
	if !ok {
		return "", false
	}
	entry := v.(blockEntry)
	if !e.clock.Now().Before(entry.Until) {
		e.blocks.Delete(subject)
		return "", false
	}
	return entry.Reason, true
}

// ThrottleOf returns subject's active throttle level.
func (e *Enforcer) ThrottleOf(subject string) models.ThrottleLevel {
	v, ok := e.throttles.Get(subject)
	if !ok {
		return models.ThrottleNone
	}
	entry := v.(throttleEntry)
	if !e.clock.Now().Before(entry.Until) {
		e.throttles.Delete(subject)
		return models.ThrottleNone
	}
	return entry.Level
}

// AllowThrottled takes one token from subject's throttle bucket. Unthrottled subjects always pass.
func (e *Enforcer) AllowThrottled(subject string) (bool, time.Duration) {
	var pool *ratelimit.TokenBucketPool
	switch e.ThrottleOf(subject) {
	case models.ThrottleStrict:
		pool = e.strict
	case models.ThrottleModerate:
		pool = e.moderate
	default:
		return true, 0
	}
	bucket := pool.GetOrCreate(subject)
	if bucket.Allow() {
		return true, 0
	}
	return false, bucket.TimeUntilAvailable(1)
}

// Apply installs a directive received from another instance without re-publishing it.
func (e *Enforcer) Apply(ctx context.Context, d Directive) {
	if !e.clock.Now().Before(d.ExpiresAt) {
		e.logger.Debug(ctx, "skipping expired directive", logger.String("subject", d.Subject))
		return
	}
	switch d.Kind {
	case DirectiveBlock:
		e.applyBlock(d.Subject, d.ExpiresAt, d.Reason)
	case DirectiveThrottle:
		e.applyThrottle(d.Subject, d.Level, d.ExpiresAt)
	case DirectiveUnblock:
		e.Unblock(d.Subject)
	}
}

// Sweep drops expired entries and idle throttle buckets.
func (e *Enforcer) Sweep(_ context.Context) error {
	e.blocks.DeleteExpired()
	e.throttles.DeleteExpired()
	e.moderate.Cleanup(time.Hour)
	e.strict.Cleanup(time.Hour)
	return nil
}

// Snapshot lists active blocks keyed by subject.
func (e *Enforcer) Snapshot() map[string]time.Time {
	now := e.clock.Now()
	out := make(map[string]time.Time)
	for subject, item := range e.blocks.Items() {
		entry := item.Object.(blockEntry)
		if now.Before(entry.Until) {
			out[subject] = entry.Until
		}
	}
	return out
}

func (e *Enforcer) applyBlock(subject string, until time.Time, reason string) {
	if v, ok := e.blocks.Get(subject); ok && v.(blockEntry).Until.After(until) {
		return
	}
	e.blocks.Set(subject, blockEntry{Reason: reason, Until: until}, e.cacheTTL(until))
}

func (e *Enforcer) applyThrottle(subject string, level models.ThrottleLevel, until time.Time) bool {
	if current := e.ThrottleOf(subject); current == models.ThrottleStrict && level == models.ThrottleModerate {
		return false
	}
	e.throttles.Set(subject, throttleEntry{Level: level, Until: until}, e.cacheTTL(until))
	return true
}

// cacheTTL keeps the go-cache entry a little past the deadline so the clock check stays authoritative.
func (e *Enforcer) cacheTTL(until time.Time) time.Duration {
	ttl := until.Sub(e.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl + time.Minute
}

func (e *Enforcer) publish(ctx context.Context, d Directive) error {
	if e.publisher == nil {
		return nil
	}
	d.Origin = e.instanceID
	d.IssuedAt = e.clock.Now().UTC()
	if err := e.publisher.PublishDirective(ctx, d); err != nil {
		e.logger.Error(ctx, "failed to publish enforcement directive", err, logger.String("subject", d.Subject))
		return err
	}
	return nil
}
