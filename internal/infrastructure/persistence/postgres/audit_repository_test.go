package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/paygate/internal/domain/models"
)

func TestAuditRepository_AppendAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository(newTestDB(t).DB())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := models.NewAuditEvent(models.AuditSecurityEvent, models.SeverityHigh, t0).
		WithActor("merchant-1", "203.0.113.9").
		WithAction("POST /api/v1/payments", "request", "blocked").
		WithDetail("reason", "rate limit").
		WithRules("https_required")
	first.Signature = "sig-1"
	second := models.NewAuditEvent(models.AuditThreatDetected, models.SeverityCritical, t0.Add(time.Minute))
	late := models.NewAuditEvent(models.AuditPolicyViolation, models.SeverityLow, t0.Add(time.Hour))

	require.NoError(t, repo.Append(ctx, []*models.AuditEvent{second, first, late}))

	tampered := *first
	tampered.Outcome = "allowed"
	require.NoError(t, repo.Append(ctx, []*models.AuditEvent{&tampered}), "duplicate ids are skipped")

	events, err := repo.FindBetween(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.AuditID, events[0].AuditID)
	assert.Equal(t, "blocked", events[0].Outcome)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)
	assert.Equal(t, []string{"https_required"}, events[0].TriggeredRules)
	assert.Equal(t, "rate limit", events[0].Details["reason"])
	assert.Equal(t, second.AuditID, events[1].AuditID)

	assert.NoError(t, repo.Append(ctx, nil))
}
