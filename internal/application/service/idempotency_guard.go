package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/paygate/internal/config"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

const (
	idempotencyPending    = "pending"
	idempotencyDonePrefix = "done:"
)

// IdempotencyGuard rejects repeated write requests that reuse an Idempotency-Key.
// The existence check and the registration are one atomic PutIfAbsent.
type IdempotencyGuard struct {
	store  domainService.AtomicStore
	minLen int
	ttl    time.Duration
	logger logger.Logger
}

// NewIdempotencyGuard creates a guard over store.
func NewIdempotencyGuard(store domainService.AtomicStore, cfg config.IdempotencyConfig, log logger.Logger) *IdempotencyGuard {
	minLen := cfg.MinKeyLength
	if minLen <= 0 {
		minLen = constants.MinIdempotencyKeyLength
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = constants.DefaultIdempotencyTTL
	}
	return &IdempotencyGuard{store: store, minLen: minLen, ttl: ttl, logger: log.WithComponent("IdempotencyGuard")}
}

// Requires reports whether method needs an idempotency key.
func (g *IdempotencyGuard) Requires(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// CheckKey validates key for method without claiming it.
func (g *IdempotencyGuard) CheckKey(method, key string) error {
	if g.Requires(method) && len(key) < g.minLen {
		return errors.ErrIdempotencyKeyRequired(g.minLen)
	}
	return nil
}

// Register claims key for method. It returns a validation error when the key is missing or too short and
// an idempotency conflict when the key was already claimed within the TTL.
func (g *IdempotencyGuard) Register(ctx context.Context, method, key string) error {
	if err := g.CheckKey(method, key); err != nil || !g.Requires(method) {
		return err
	}
	stored, err := g.store.PutIfAbsent(ctx, storeKey(method, key), idempotencyPending, g.ttl)
	if err != nil {
		g.logger.Error(ctx, "idempotency store unavailable", err)
		return errors.ErrUnavailable("idempotency store").WithCause(err)
	}
	if !stored {
		g.logger.Info(ctx, "duplicate idempotency key", logger.String("method", method))
		return errors.ErrIdempotencyConflict()
	}
	return nil
}

// Complete records the handler's status for a registered key. It is a no-op when the key was already
// completed or has expired.
func (g *IdempotencyGuard) Complete(ctx context.Context, method, key string, status int) error {
	if !g.Requires(method) || key == "" {
		return nil
	}
	done := idempotencyDonePrefix + strconv.Itoa(status)
	swapped, err := g.store.CompareAndSwap(ctx, storeKey(method, key), idempotencyPending, done, g.ttl)
	if err != nil {
		return err
	}
	if !swapped {
		g.logger.Debug(ctx, "idempotency key not pending on completion", logger.String("method", method))
	}
	return nil
}

// Status returns "pending", "done:<status>" or "" for an unknown key.
func (g *IdempotencyGuard) Status(ctx context.Context, method, key string) (string, error) {
	v, ok, err := g.store.Get(ctx, storeKey(method, key))
	if err != nil || !ok {
		return "", err
	}
	return v, nil
}

func storeKey(method, key string) string {
	return "idem:" + strings.ToUpper(method) + ":" + key
}
