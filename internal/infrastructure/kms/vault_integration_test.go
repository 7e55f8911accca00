//go:build integration

package kms_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/infrastructure/kms"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

func requireDockerOrSkip(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-dependent tests")
	}
	if _, err := os.Stat("/var/run/docker.sock"); err != nil {
		t.Skip("Docker socket not accessible; skipping integration test")
	}
}

func startVault(ctx context.Context, t *testing.T) config.VaultConfig {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "hashicorp/vault:1.15",
		ExposedPorts: []string{"8200/tcp"},
		Env:          map[string]string{"VAULT_DEV_ROOT_TOKEN_ID": "root"},
		WaitingFor: wait.ForHTTP("/v1/sys/health").WithPort("8200/tcp").WithStatusCodeMatcher(func(status int) bool {
			return status == http.StatusOK
		}),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "8200/tcp")
	require.NoError(t, err)
	return config.VaultConfig{
		Address:   fmt.Sprintf("http://%s:%s", host, port.Port()),
		Token:     "root",
		MountPath: "secret",
	}
}

func TestVaultSecretProvider_Integration(t *testing.T) {
	requireDockerOrSkip(t)
	ctx := context.Background()
	cfg := startVault(ctx, t)

	client, err := kms.NewVaultClient(&cfg)
	require.NoError(t, err)
	_, err = client.KVv2("secret").Put(ctx, "paygate/clients/acme", map[string]interface{}{
		"secrets": []string{"whsec_new", "whsec_old"},
	})
	require.NoError(t, err)

	provider := kms.NewVaultSecretProvider(cfg, client, nil, logger.NewNoopLogger())
	secrets, err := provider.SigningSecrets(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"whsec_new", "whsec_old"}, secrets)

	_, err = provider.SigningSecrets(ctx, "nobody")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}
