package service

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// APIKeyValidator resolves and checks API keys. Lookups are cached and bounded by a short timeout.
type APIKeyValidator struct {
	repo    repository.APIKeyRepository
	cache   *cache.Cache
	timeout time.Duration
	clock   domainService.Clock
	metrics domainService.Metrics
	logger  logger.Logger
}

// NewAPIKeyValidator creates a validator over repo.
func NewAPIKeyValidator(repo repository.APIKeyRepository, cfg config.APIKeyConfig, clock domainService.Clock, metrics domainService.Metrics, log logger.Logger) *APIKeyValidator {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = constants.DefaultAPIKeyCacheTTL
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = constants.DefaultLookupTimeout
	}
	if clock == nil {
		clock = domainService.SystemClock{}
	}
	if metrics == nil {
		metrics = domainService.NoopMetrics{}
	}
	return &APIKeyValidator{
		repo:    repo,
		cache:   cache.New(ttl, 2*ttl),
		timeout: timeout,
		clock:   clock,
		metrics: metrics,
		logger:  log.WithComponent("APIKeyValidator"),
	}
}

// ExtractAPIKey reads the key from X-API-Key, then "Authorization: Bearer", then the api_key query parameter.
func ExtractAPIKey(req *models.GateRequest) string {
	if key := strings.TrimSpace(req.Header(constants.HeaderAPIKey)); key != "" {
		return key
	}
	if auth := req.Header(constants.HeaderAuthorization); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if req.Query != nil {
		return strings.TrimSpace(req.Query.Get(constants.QueryAPIKey))
	}
	return ""
}

// Validate returns the key's info when it is active, unexpired and permits method on path.
func (v *APIKeyValidator) Validate(ctx context.Context, key, method, path string) (*models.ApiKeyInfo, error) {
	if key == "" {
		return nil, errors.ErrAuthentication("api key required")
	}
	info, err := v.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, errors.ErrAuthentication("api key revoked")
	}
	if info.Expired(v.clock.Now()) {
		return nil, errors.ErrAuthentication("api key expired")
	}
	if !info.PermitsMethod(method) || !info.PermitsEndpoint(path) {
		return nil, errors.ErrAuthorization("api key is not permitted for this endpoint")
	}
	return info, nil
}

func (v *APIKeyValidator) lookup(ctx context.Context, key string) (*models.ApiKeyInfo, error) {
	if cached, ok := v.cache.Get(key); ok {
		v.metrics.RecordCacheAccess("api_key", true)
		return cached.(*models.ApiKeyInfo), nil
	}
	v.metrics.RecordCacheAccess("api_key", false)

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	info, err := v.repo.FindByKey(lookupCtx, key)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil, errors.ErrAuthentication("invalid api key")
		}
		v.logger.Error(ctx, "api key lookup failed", err)
		return nil, errors.ErrUnavailable("api key store").WithCause(err)
	}
	v.cache.SetDefault(key, info)
	return info, nil
}

// Revoke deactivates key in the store and drops it from the cache.
func (v *APIKeyValidator) Revoke(ctx context.Context, key string) error {
	if err := v.repo.Revoke(ctx, key); err != nil {
		return err
	}
	v.Invalidate(key)
	return nil
}

// Invalidate drops key from the cache.
func (v *APIKeyValidator) Invalidate(key string) {
	v.cache.Delete(key)
}
