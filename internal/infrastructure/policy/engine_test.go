package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/domain/service/mocks"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, notifier service.Notifier) *Engine {
	t.Helper()
	engine := NewEngine(notifier, nil, scheduler.NewManualScheduler(t0), logger.NewNoopLogger())
	require.NoError(t, engine.ReplaceAll(DefaultPolicies()))
	return engine
}

func TestEngine_HTTPSRequired(t *testing.T) {
	engine := newTestEngine(t, nil)

	attrs := map[string]interface{}{"protocol": "http", "destination_external": true}
	violations, err := engine.Check(context.Background(), attrs)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodePolicyViolation))

	require.Len(t, violations, 1)
	v := violations[0]
	assert.Equal(t, "transport-security", v.PolicyID)
	assert.Equal(t, "https_required", v.RuleID)
	assert.Equal(t, models.ActionBlock, v.Action)
	assert.Equal(t, models.SeverityHigh, v.Severity)
	assert.Equal(t, t0, v.DetectedAt)
	assert.Equal(t, "http", v.Context["protocol"])

	violations, err = engine.Check(context.Background(), map[string]interface{}{"protocol": "https", "destination_external": true})
	assert.NoError(t, err)
	assert.Empty(t, violations)
}

func TestEngine_SeverityIsMaxOfPolicyAndRule(t *testing.T) {
	engine := NewEngine(nil, nil, nil, logger.NewNoopLogger())
	require.NoError(t, engine.AddPolicy(&models.SecurityPolicy{
		ID: "p", Name: "P", Severity: models.SeverityCritical, Enabled: true,
		Rules: []models.PolicyRule{{ID: "r", Condition: "amount > 10", Action: models.ActionWarn, Severity: models.SeverityLow, Enabled: true}},
	}))

	violations := engine.Evaluate(context.Background(), map[string]interface{}{"amount": 11})
	require.Len(t, violations, 1)
	assert.Equal(t, models.SeverityCritical, violations[0].Severity)
}

func TestEngine_AlertNotifies(t *testing.T) {
	notifier := new(mocks.MockNotifier)
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(a models.Alert) bool {
		return a.Severity == models.SeverityHigh && a.Source == "policy_engine"
	})).Return(nil).Once()

	engine := newTestEngine(t, notifier)
	violations := engine.Evaluate(context.Background(), map[string]interface{}{
		"detector": map[string]interface{}{"threat_level": 4},
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "threat_level_elevated", violations[0].RuleID)
	notifier.AssertExpectations(t)
}

func TestEngine_Management(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	attrs := map[string]interface{}{"protocol": "http", "destination_external": true}

	require.NoError(t, engine.DisableRule("transport-security", "https_required"))
	assert.Empty(t, engine.Evaluate(ctx, attrs))

	require.NoError(t, engine.EnableRule("transport-security", "https_required"))
	require.NoError(t, engine.DisablePolicy("transport-security"))
	assert.Empty(t, engine.Evaluate(ctx, attrs))
	require.NoError(t, engine.EnablePolicy("transport-security"))
	assert.Len(t, engine.Evaluate(ctx, attrs), 1)

	require.NoError(t, engine.AddRule("transport-security", models.PolicyRule{
		ID: "plain_http_log", Condition: `protocol == "http"`, Action: models.ActionLog, Enabled: true,
	}))
	assert.Len(t, engine.Evaluate(ctx, attrs), 2)

	require.NoError(t, engine.RemoveRule("transport-security", "plain_http_log"))
	assert.Error(t, engine.RemoveRule("transport-security", "https_required"), "last rule cannot be removed")

	err := engine.AddRule("transport-security", models.PolicyRule{ID: "bad", Condition: "protocol ==", Action: models.ActionLog, Enabled: true})
	assert.True(t, errors.HasCode(err, errors.CodeValidation))
	p, ok := engine.Policy("transport-security")
	require.True(t, ok)
	assert.Len(t, p.Rules, 1, "failed edits leave the policy unchanged")

	p.Rules[0].Enabled = false
	assert.Len(t, engine.Evaluate(ctx, attrs), 1, "returned policies are copies")

	require.NoError(t, engine.RemovePolicy("transport-security"))
	assert.True(t, errors.HasCode(engine.RemovePolicy("transport-security"), errors.CodeNotFound))
	assert.True(t, errors.HasCode(engine.EnablePolicy("missing"), errors.CodeNotFound))
	assert.Len(t, engine.Policies(), 3)
}

func TestEngine_OnViolation(t *testing.T) {
	engine := newTestEngine(t, nil)
	var seen []string
	engine.OnViolation(func(_ context.Context, v models.PolicyViolation) {
		seen = append(seen, v.RuleID)
	})
	engine.Evaluate(context.Background(), map[string]interface{}{"system": map[string]interface{}{"memory_percent": 95}})
	assert.Equal(t, []string{"memory_pressure"}, seen)
}

func TestParsePolicies(t *testing.T) {
	doc := []byte(`
policies:
  - id: refunds
    name: Refund limits
    severity: medium
    enabled: true
    rules:
      - id: large_refund
        condition: endpoint == "POST /api/v1/refunds" AND amount > 10000
        action: reject
        severity: high
        enabled: true
`)
	policies, err := ParsePolicies(doc)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, models.ActionReject, policies[0].Rules[0].Action)

	engine := NewEngine(nil, nil, nil, logger.NewNoopLogger())
	require.NoError(t, engine.ReplaceAll(policies))
	_, err = engine.Check(context.Background(), map[string]interface{}{"endpoint": "POST /api/v1/refunds", "amount": 20000})
	assert.Error(t, err)

	_, err = ParsePolicies([]byte("policies:\n  - id: x\n    rules:\n      - id: r\n        condition: 'a =='\n        action: log\n"))
	assert.Error(t, err)
	_, err = ParsePolicies([]byte("policies:\n  - id: x\n    rules:\n      - id: r\n        condition: a == 1\n        action: explode\n"))
	assert.Error(t, err)
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - id: only
    name: Only
    enabled: true
    rules:
      - id: r
        condition: amount > 1
        action: log
        enabled: true
`), 0o600))

	engine := newTestEngine(t, nil)
	watcher := NewWatcher(engine, path, logger.NewNoopLogger())
	require.NoError(t, watcher.Reload(context.Background()))
	require.Len(t, engine.Policies(), 1)

	require.NoError(t, os.WriteFile(path, []byte("policies: [{id: broken}]"), 0o600))
	assert.Error(t, watcher.Reload(context.Background()))
	assert.Len(t, engine.Policies(), 1, "a bad file keeps the previous policies")
}
