package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/domain/service/mocks"
	"github.com/turtacn/paygate/internal/infrastructure/audit"
	"github.com/turtacn/paygate/internal/infrastructure/persistence/memory"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// flakyAuditRepo fails the first failures appends.
type flakyAuditRepo struct {
	*memory.AuditRepository
	failures int
}

func (r *flakyAuditRepo) Append(ctx context.Context, events []*models.AuditEvent) error {
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("database is read-only")
	}
	return r.AuditRepository.Append(ctx, events)
}

type auditHarness struct {
	pipeline *AuditPipeline
	repo     *memory.AuditRepository
	clock    *scheduler.ManualScheduler
	cfg      *config.Config
}

func newAuditHarness(t *testing.T, mutate func(cfg *config.Config), exporters ...*mocks.MockAuditExporter) *auditHarness {
	t.Helper()
	cfg := config.LoadDefaultConfig()
	cfg.Audit.HMACKey = "production-audit-key-rotated-2026"
	if mutate != nil {
		mutate(cfg)
	}
	signer, err := audit.NewSigner(cfg.Audit.HMACKey)
	require.NoError(t, err)
	h := &auditHarness{repo: memory.NewAuditRepository(), clock: scheduler.NewManualScheduler(t0), cfg: cfg}
	var exp []domainService.AuditExporter
	for _, e := range exporters {
		exp = append(exp, e)
	}
	h.pipeline = NewAuditPipeline(h.repo, signer, cfg, h.clock, nil, logger.NewNoopLogger(), exp...)
	return h
}

func gateEvent(clientID, ip, method, path string, outcome models.Outcome, at time.Time, tags ...string) models.SecurityEvent {
	e := models.NewSecurityEvent(constants.SourceHTTPGate, clientID, ip, at)
	e.Outcome = outcome
	e.Tags = tags
	e.Payload[models.PayloadMethod] = method
	e.Payload[models.PayloadPath] = path
	e.Payload[models.PayloadProtocol] = "https"
	if outcome == models.OutcomeBlocked {
		e.Severity = models.SeverityMedium
	}
	return e
}

func TestAuditPipeline_RecordAndFlush(t *testing.T) {
	exporter := new(mocks.MockAuditExporter)
	exporter.On("Export", mock.Anything, mock.MatchedBy(func(events []*models.AuditEvent) bool { return len(events) == 2 })).Return(nil).Once()
	h := newAuditHarness(t, nil, exporter)
	ctx := context.Background()

	h.pipeline.Publish(gateEvent("acme", "198.51.100.7", "POST", "/api/v1/payments", models.OutcomeAllowed, t0))
	require.NoError(t, h.pipeline.RecordAdminAction(ctx, "ops@acme", "10.0.0.4", "policy:gate-abuse", "disable", "success"))
	assert.Equal(t, 2, h.pipeline.Pending())

	require.NoError(t, h.pipeline.Flush(ctx))
	assert.Zero(t, h.pipeline.Pending())
	assert.Equal(t, 2, h.repo.Len())
	exporter.AssertExpectations(t)

	stored, err := h.repo.FindBetween(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	first := stored[0]
	assert.Equal(t, models.AuditSecurityEvent, first.Type)
	assert.Equal(t, "acme", first.Actor)
	assert.Equal(t, "/api/v1/payments", first.Resource)
	assert.Equal(t, "POST", first.Action)
	assert.Equal(t, "allowed", first.Outcome)
	assert.NotEmpty(t, first.Signature)

	signer, _ := audit.NewSigner(h.cfg.Audit.HMACKey)
	assert.True(t, signer.Verify(first))
	first.Outcome = "blocked"
	assert.False(t, signer.Verify(first), "edits break the signature")
}

func TestAuditPipeline_RetriesFailedWrites(t *testing.T) {
	cfg := config.LoadDefaultConfig()
	signer, err := audit.NewSigner(cfg.Audit.HMACKey)
	require.NoError(t, err)
	repo := &flakyAuditRepo{AuditRepository: memory.NewAuditRepository(), failures: 1}
	exporter := new(mocks.MockAuditExporter)
	exporter.On("Export", mock.Anything, mock.Anything).Return(fmt.Errorf("broker down")).Once()
	exporter.On("Export", mock.Anything, mock.Anything).Return(nil).Once()
	pipeline := NewAuditPipeline(repo, signer, cfg, scheduler.NewManualScheduler(t0), nil, logger.NewNoopLogger(), exporter)
	ctx := context.Background()

	require.NoError(t, pipeline.RecordAdminAction(ctx, "ops", "10.0.0.4", "api_key:acme", "revoke", "success"))
	assert.Error(t, pipeline.Flush(ctx))
	assert.Equal(t, 1, pipeline.Pending(), "failed batches stay queued")
	assert.Zero(t, repo.Len())

	assert.Error(t, pipeline.Flush(ctx), "stored, but the export failed")
	assert.Equal(t, 1, repo.Len())

	require.NoError(t, pipeline.Flush(ctx))
	assert.Equal(t, 1, repo.Len(), "export retries do not rewrite the store")
	exporter.AssertExpectations(t)
}

// recordingExporter records every batch it is offered and fails while down is set.
type recordingExporter struct {
	down    bool
	batches [][]string
}

func (e *recordingExporter) Export(_ context.Context, events []*models.AuditEvent) error {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.AuditID
	}
	e.batches = append(e.batches, ids)
	if e.down {
		return fmt.Errorf("broker down")
	}
	return nil
}

func (e *recordingExporter) accepted() []string {
	if e.down {
		return nil
	}
	var out []string
	for _, b := range e.batches {
		out = append(out, b...)
	}
	return out
}

func TestAuditPipeline_FailingExporterBacklogIsBounded(t *testing.T) {
	cfg := config.LoadDefaultConfig()
	cfg.Audit.BufferSize = 2
	signer, err := audit.NewSigner(cfg.Audit.HMACKey)
	require.NoError(t, err)
	healthy := &recordingExporter{}
	failing := &recordingExporter{down: true}
	repo := memory.NewAuditRepository()
	pipeline := NewAuditPipeline(repo, signer, cfg, scheduler.NewManualScheduler(t0), nil, logger.NewNoopLogger(), healthy, failing)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, pipeline.RecordAdminAction(ctx, "ops", "", fmt.Sprintf("api_key:%d", i), "revoke", "success"))
		assert.Error(t, pipeline.Flush(ctx))
	}
	assert.Equal(t, 3, repo.Len())
	assert.Len(t, healthy.accepted(), 3)
	for _, b := range healthy.batches {
		assert.Len(t, b, 1, "a failing exporter does not make the others see events twice")
	}
	assert.Equal(t, 0, pipeline.ExportBacklog(0))
	assert.Equal(t, 2, pipeline.ExportBacklog(1), "the backlog keeps only the newest events")

	failing.down = false
	failing.batches = nil
	require.NoError(t, pipeline.Flush(ctx))
	assert.Equal(t, healthy.accepted()[1:], failing.accepted())
	assert.Equal(t, 0, pipeline.ExportBacklog(1))
}

func TestAuditPipeline_BufferLimit(t *testing.T) {
	h := newAuditHarness(t, func(cfg *config.Config) { cfg.Audit.BufferSize = 2 })
	ctx := context.Background()
	require.NoError(t, h.pipeline.RecordAdminAction(ctx, "a", "", "r", "x", "ok"))
	require.NoError(t, h.pipeline.RecordAdminAction(ctx, "a", "", "r", "x", "ok"))
	assert.Error(t, h.pipeline.RecordAdminAction(ctx, "a", "", "r", "x", "ok"))
}

func TestAuditPipeline_Report(t *testing.T) {
	h := newAuditHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		h.pipeline.Publish(gateEvent("", "203.0.113.9", "POST", "/api/v1/payments", models.OutcomeBlocked, t0.Add(time.Duration(i)*time.Second), constants.TagFailed))
	}
	h.pipeline.Publish(gateEvent("acme", "198.51.100.7", "DELETE", "/admin/v1/policies/gate-abuse", models.OutcomeBlocked, t0))
	h.pipeline.Publish(gateEvent("acme", "198.51.100.7", "GET", "/api/v1/balance", models.OutcomeAllowed, t0))
	require.NoError(t, h.pipeline.Flush(ctx))
	h.pipeline.Publish(gateEvent("acme", "198.51.100.7", "GET", "/api/v1/balance", models.OutcomeAllowed, t0.Add(time.Minute)))

	report, err := h.pipeline.GenerateReport(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 9, report.TotalEvents, "pending events are included")
	assert.Equal(t, 7, report.BySeverity["medium"])
	assert.Equal(t, 6, report.UserActivity["anonymous"])
	assert.Equal(t, 2, report.AccessPatterns["/api/v1/balance"]["GET"])

	kinds := map[models.AnomalyKind]string{}
	for _, f := range report.Anomalies {
		kinds[f.Kind] = f.Subject
	}
	assert.Equal(t, "203.0.113.9", kinds[models.AnomalyFailedLogins])
	assert.Equal(t, "acme", kinds[models.AnomalyPrivilegeEscalation])
	assert.NotContains(t, kinds, models.AnomalyExcessiveAccess)

	_, err = h.pipeline.GenerateReport(ctx, t0, t0)
	assert.True(t, errors.HasCode(err, errors.CodeValidation))
}

func TestAssessRisk(t *testing.T) {
	var events []*models.AuditEvent
	assert.Equal(t, models.RiskLow, AssessRisk(events).Level)

	for i := 0; i < 5; i++ {
		events = append(events, models.NewAuditEvent(models.AuditThreatDetected, models.SeverityCritical, t0))
	}
	risk := AssessRisk(events)
	assert.InDelta(t, 0.5, risk.Score, 1e-9)
	assert.Equal(t, models.RiskHigh, risk.Level)

	for i := 0; i < 20; i++ {
		events = append(events, models.NewAuditEvent(models.AuditSecurityEvent, models.SeverityHigh, t0))
	}
	assert.Equal(t, models.RiskCritical, AssessRisk(events).Level)
}

func TestAuditPipeline_OffHours(t *testing.T) {
	h := newAuditHarness(t, nil)
	night := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	var events []*models.AuditEvent
	for i := 0; i < 10; i++ {
		events = append(events, models.NewAuditEvent(models.AuditAdminAction, models.SeverityInfo, night.Add(time.Duration(i)*time.Minute)).
			WithActor("ops", "10.0.0.4").WithAction("policy:x", "update", "success"))
	}
	findings := h.pipeline.DetectAnomalies(events)
	require.Len(t, findings, 1)
	assert.Equal(t, models.AnomalyOffHours, findings[0].Kind)
	assert.Equal(t, 10, findings[0].Count)

	assert.True(t, inOffHours(2, 22, 6))
	assert.False(t, inOffHours(12, 22, 6))
	assert.True(t, inOffHours(19, 18, 20))
	assert.False(t, inOffHours(3, 0, 0))
}

func TestAuditPipeline_ComplianceReport(t *testing.T) {
	ctx := context.Background()

	h := newAuditHarness(t, nil)
	h.pipeline.Publish(gateEvent("acme", "198.51.100.7", "POST", "/api/v1/payments", models.OutcomeAllowed, t0))
	require.NoError(t, h.pipeline.Flush(ctx))

	report, err := h.pipeline.ComplianceReport(ctx, "PCI-DSS", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, FrameworkPCIDSS, report.Framework)
	assert.True(t, report.Compliant, "%+v", report.Controls)
	assert.Equal(t, 6, report.Passed)
	assert.InDelta(t, 1.0, report.Score, 1e-9)

	dev := newAuditHarness(t, func(cfg *config.Config) { cfg.Audit.HMACKey = config.DevelopmentAuditKey })
	plain := gateEvent("acme", "198.51.100.7", "POST", "/api/v1/payments", models.OutcomeAllowed, t0)
	plain.Payload[models.PayloadProtocol] = "http"
	dev.pipeline.Publish(plain)
	report, err = dev.pipeline.ComplianceReport(ctx, FrameworkPCIDSS, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, report.Compliant)
	failed := map[string]bool{}
	for _, c := range report.Controls {
		if c.Status == models.ControlFail {
			failed[c.ID] = true
		}
	}
	assert.Equal(t, map[string]bool{"PCI-4.1": true, "PCI-10.5": true}, failed)

	_, err = h.pipeline.ComplianceReport(ctx, "iso27001", t0, t0.Add(time.Hour))
	assert.True(t, errors.HasCode(err, errors.CodeValidation))
}

func TestAuditPipeline_SOC2(t *testing.T) {
	ctx := context.Background()
	h := newAuditHarness(t, func(cfg *config.Config) { cfg.Admin.Enabled = true })

	event := models.NewSecurityEvent(constants.SourceHTTPGate, "initech", "203.0.113.20", t0)
	critical := models.NewDetectedThreat(models.ThreatDoS, models.SeverityCritical, 0.95, event, "behavior-request-flood", "flood", t0)
	require.NoError(t, h.pipeline.RecordThreat(ctx, critical, event, []models.ResponseAction{models.ResponseNotifyTeam}))

	report, err := h.pipeline.ComplianceReport(ctx, FrameworkSOC2, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	for _, c := range report.Controls {
		if c.ID == "CC7.3" {
			assert.Equal(t, models.ControlFail, c.Status, "critical threat was not blocked")
		} else {
			assert.Equal(t, models.ControlPass, c.Status, c.ID)
		}
	}

	require.NoError(t, h.pipeline.RecordThreat(ctx, critical, event, []models.ResponseAction{models.ResponseBlock, models.ResponseNotifyTeam}))
	report, err = h.pipeline.ComplianceReport(ctx, FrameworkSOC2, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Passed, "the unanswered threat still fails CC7.3")
}

func TestAuditPipeline_RecordsViolationsAndCSPReports(t *testing.T) {
	h := newAuditHarness(t, nil)
	ctx := context.Background()
	h.clock.Set(t0)

	v := models.PolicyViolation{ID: "v1", PolicyID: "transport-security", RuleID: "https_required", Action: models.ActionBlock,
		Severity: models.SeverityHigh, Context: map[string]interface{}{"client_id": "acme"}, DetectedAt: t0}
	require.NoError(t, h.pipeline.RecordViolation(ctx, v))
	require.NoError(t, h.pipeline.RecordCSPReport(ctx, models.CSPReport{
		DocumentURI: "https://pay.example.com/checkout", ViolatedDirective: "script-src", BlockedURI: "https://evil.example/x.js",
	}, "198.51.100.7", "Mozilla/5.0"))

	events, err := h.pipeline.Events(ctx, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 2)
	byType := map[models.AuditEventType]*models.AuditEvent{}
	for _, e := range events {
		byType[e.Type] = e
	}
	assert.Equal(t, []string{"https_required"}, byType[models.AuditPolicyViolation].TriggeredRules)
	assert.Equal(t, "acme", byType[models.AuditPolicyViolation].Actor)
	assert.Equal(t, "csp:script-src", byType[models.AuditCSPViolation].Action)
}
