package kms_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/infrastructure/kms"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// newFakeVault serves KV v2 reads for the given client secrets and counts requests.
func newFakeVault(t *testing.T, secrets map[string]interface{}) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		const prefix = "/v1/secret/data/paygate/clients/"
		if r.Method != http.MethodGet || len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		value, ok := secrets[r.URL.Path[len(prefix):]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     map[string]interface{}{"secrets": value},
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func newProvider(t *testing.T, addr string) *kms.VaultSecretProvider {
	t.Helper()
	cfg := config.VaultConfig{Address: addr, Token: "test-token", MountPath: "secret", CacheTTL: time.Minute}
	client, err := kms.NewVaultClient(&cfg)
	require.NoError(t, err)
	client.SetMaxRetries(0)
	return kms.NewVaultSecretProvider(cfg, client, nil, logger.NewNoopLogger())
}

func TestVaultSecretProvider_ReadsAndCaches(t *testing.T) {
	ts, hits := newFakeVault(t, map[string]interface{}{
		"client-1": []string{"new-secret", "old-secret"},
		"client-2": "a, b",
	})
	provider := newProvider(t, ts.URL)
	ctx := context.Background()

	secrets, err := provider.SigningSecrets(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-secret", "old-secret"}, secrets)

	_, err = provider.SigningSecrets(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits), "second read should be served from cache")

	secrets, err = provider.SigningSecrets(ctx, "client-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, secrets)

	provider.Invalidate("client-1")
	_, err = provider.SigningSecrets(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
}

func TestVaultSecretProvider_ConcurrentMissesShareOneRead(t *testing.T) {
	ts, hits := newFakeVault(t, map[string]interface{}{"client-1": []string{"s"}})
	provider := newProvider(t, ts.URL)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := provider.SigningSecrets(context.Background(), "client-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(hits), int32(20))
	assert.GreaterOrEqual(t, atomic.LoadInt32(hits), int32(1))
}

func TestVaultSecretProvider_UnknownClient(t *testing.T) {
	ts, _ := newFakeVault(t, map[string]interface{}{})
	provider := newProvider(t, ts.URL)

	_, err := provider.SigningSecrets(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestStaticSecretProvider(t *testing.T) {
	provider := kms.NewStaticSecretProvider(map[string][]string{"Merchant-A": {"s1"}})

	secrets, err := provider.SigningSecrets(context.Background(), "merchant-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, secrets)

	_, err = provider.SigningSecrets(context.Background(), "merchant-b")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}
