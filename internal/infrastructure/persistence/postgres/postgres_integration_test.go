//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/logger"
)

func startPostgres(ctx context.Context, t *testing.T) *config.DatabaseConfig {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-dependent tests")
	}
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("paygate"),
		tcpostgres.WithUsername("paygate"),
		tcpostgres.WithPassword("paygate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return &config.DatabaseConfig{
		Enabled:  true,
		Driver:   "postgres",
		Host:     host,
		Port:     port.Int(),
		User:     "paygate",
		Password: "paygate",
		Database: "paygate",
		SSLMode:  "disable",
		MaxConns: 4,
		MinConns: 1,
	}
}

func TestPostgres_Integration(t *testing.T) {
	ctx := context.Background()
	cfg := startPostgres(ctx, t)

	conn, err := NewDBConnection(ctx, cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Migrate(ctx))

	health, err := conn.HealthCheck(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, health)

	keys := NewAPIKeyRepository(conn.DB())
	require.NoError(t, keys.Save(ctx, &models.ApiKeyInfo{
		Key: "pk_live_acme_0001", ClientID: "acme", Active: true,
		AllowedMethods: []string{"GET", "POST"}, CreatedAt: time.Now().UTC(),
	}))
	found, err := keys.FindByKey(ctx, "pk_live_acme_0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "POST"}, found.AllowedMethods)
	require.NoError(t, keys.Revoke(ctx, "pk_live_acme_0001"))
	found, err = keys.FindByKey(ctx, "pk_live_acme_0001")
	require.NoError(t, err)
	assert.False(t, found.Active)

	audit := NewAuditRepository(conn.DB())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := models.NewAuditEvent(models.AuditAdminAction, models.SeverityMedium, t0).
		WithActor("alice", "10.0.0.1").
		WithAction("policy:refunds", "upsert", "success").
		WithDetail("via", "admin_api")
	event.Signature = "sig"
	require.NoError(t, audit.Append(ctx, []*models.AuditEvent{event}))
	require.NoError(t, audit.Append(ctx, []*models.AuditEvent{event}), "retried flushes are idempotent")

	events, err := audit.FindBetween(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.Timestamp, events[0].Timestamp.UTC())
	assert.Equal(t, "admin_api", events[0].Details["via"])
}
