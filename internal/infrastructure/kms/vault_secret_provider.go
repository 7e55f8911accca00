// Package kms resolves per-client signing secrets from HashiCorp Vault or static configuration.
package kms

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/patrickmn/go-cache"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
	"golang.org/x/sync/singleflight"
)

var _ service.SecretProvider = (*VaultSecretProvider)(nil)

// clientSecretsPath is the KV v2 path, below the mount, holding a client's secrets.
const clientSecretsPath = "paygate/clients"

// NewVaultClient creates a Vault API client for cfg.
func NewVaultClient(cfg *config.VaultConfig) (*vault.Client, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	return client, nil
}

// VaultSecretProvider reads signing secrets from a KV v2 engine.
// Secrets are cached in memory and concurrent misses for one client share a single Vault read.
type VaultSecretProvider struct {
	client    *vault.Client
	mountPath string
	l1Cache   *cache.Cache
	sf        singleflight.Group
	metrics   service.Metrics
	logger    logger.Logger
}

// NewVaultSecretProvider creates a provider reading below cfg.MountPath.
func NewVaultSecretProvider(cfg config.VaultConfig, client *vault.Client, metrics service.Metrics, log logger.Logger) *VaultSecretProvider {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	mount := cfg.MountPath
	if mount == "" {
		mount = "secret"
	}
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	return &VaultSecretProvider{
		client:    client,
		mountPath: mount,
		l1Cache:   cache.New(ttl, 2*ttl),
		metrics:   metrics,
		logger:    log.WithComponent("VaultSecretProvider"),
	}
}

// SigningSecrets returns the active secrets of clientID, newest first.
func (p *VaultSecretProvider) SigningSecrets(ctx context.Context, clientID string) ([]string, error) {
	if cached, found := p.l1Cache.Get(clientID); found {
		p.metrics.RecordCacheAccess("signing_secret", true)
		return cached.([]string), nil
	}
	p.metrics.RecordCacheAccess("signing_secret", false)

	v, err, _ := p.sf.Do(clientID, func() (interface{}, error) {
		secrets, err := p.read(ctx, clientID)
		if err != nil {
			return nil, err
		}
		p.l1Cache.SetDefault(clientID, secrets)
		return secrets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Invalidate drops the cached secrets of clientID so the next call reads Vault.
func (p *VaultSecretProvider) Invalidate(clientID string) {
	p.l1Cache.Delete(clientID)
}

func (p *VaultSecretProvider) read(ctx context.Context, clientID string) ([]string, error) {
	vaultPath := path.Join(p.mountPath, "data", clientSecretsPath, clientID)

	start := time.Now()
	secret, err := p.client.Logical().ReadWithContext(ctx, vaultPath)
	p.metrics.RecordVaultAPI("read_signing_secret", time.Since(start), err)
	if err != nil {
		p.logger.Error(ctx, "failed to read signing secrets from Vault", err, logger.String("client_id", clientID))
		return nil, errors.ErrUnavailable("secret store").WithCause(err)
	}
	if secret == nil || secret.Data["data"] == nil {
		return nil, errors.ErrNotFound("signing secret")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format in vault for client %s", clientID)
	}
	secrets := parseSecrets(data["secrets"])
	if len(secrets) == 0 {
		return nil, errors.ErrNotFound("signing secret")
	}
	return secrets, nil
}

// parseSecrets accepts a JSON list or a comma-separated string.
func parseSecrets(raw interface{}) []string {
	var out []string
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
