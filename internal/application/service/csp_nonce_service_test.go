package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/infrastructure/persistence/memory"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	"github.com/turtacn/paygate/pkg/logger"
)

func TestNonceService_IssueAndConsume(t *testing.T) {
	clock := scheduler.NewManualScheduler(t0)
	svc := NewNonceService(memory.NewAtomicStore(clock), config.CSPConfig{
		Policy:    "default-src 'self'; script-src 'self'",
		NonceTTL:  5 * time.Minute,
		ReportURI: "/csp-report",
	}, clock, logger.NewNoopLogger())
	ctx := context.Background()

	first, err := svc.Issue(ctx)
	require.NoError(t, err)
	second, err := svc.Issue(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.Len(t, first.Nonce, 24, "16 random bytes, base64")
	assert.Equal(t, t0.Add(5*time.Minute), first.Expiry)

	ok, err := svc.Consume(ctx, first.Nonce)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = svc.Consume(ctx, first.Nonce)
	assert.False(t, ok, "nonces are single use")

	clock.Advance(6 * time.Minute)
	ok, _ = svc.Consume(ctx, second.Nonce)
	assert.False(t, ok, "expired")
	ok, _ = svc.Consume(ctx, "")
	assert.False(t, ok)
}

func TestBuildCSPHeader(t *testing.T) {
	assert.Equal(t,
		"default-src 'self'; script-src 'self' 'nonce-abc'; style-src 'self' 'nonce-abc'; report-uri /csp-report?nonce=abc",
		BuildCSPHeader("default-src 'self'; script-src 'self'", "abc", "/csp-report"))
	assert.Equal(t,
		"default-src 'none'; style-src 'self' 'nonce-n1'; script-src 'self' 'nonce-n1'",
		BuildCSPHeader("default-src 'none'; style-src 'self';", "n1", ""))
	assert.Equal(t, "default-src 'self'", BuildCSPHeader("default-src 'self'", "", ""))
	assert.Equal(t, "default-src 'self'; script-src 'self' 'nonce-a+b='; style-src 'self' 'nonce-a+b='; report-uri /r?v=1&nonce=a%2Bb%3D",
		BuildCSPHeader("default-src 'self'", "a+b=", "/r?v=1"))
	assert.Equal(t, "default-src 'self'; report-uri /csp-report", BuildCSPHeader("default-src 'self'", "", "/csp-report"))
}
