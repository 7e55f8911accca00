package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

// Audit detail keys.
const (
	auditDetailReasons    = "reasons"
	auditDetailTags       = "tags"
	auditDetailEventID    = "event_id"
	auditDetailRequestID  = "request_id"
	auditDetailConfidence = "confidence"
	auditDetailResponses  = "responses"
	auditDetailDesc       = "description"
)

// AuditPipeline normalizes security records into signed AuditEvents, buffers them and flushes them to the
// repository and exporters on a schedule. It also answers report, anomaly, risk and compliance queries.
type AuditPipeline struct {
	repo      repository.AuditRepository
	exporters []domainService.AuditExporter
	signer    domainService.AuditSigner
	cfg       *config.Config
	clock     domainService.Clock
	metrics   domainService.Metrics
	logger    logger.Logger

	// flushMu serializes flushes.
	flushMu sync.Mutex

	mu         sync.Mutex
	pending    []*models.AuditEvent
	backlogs   [][]*models.AuditEvent // stored events each exporter has yet to accept, by exporter index
	bufferSize int
}

// NewAuditPipeline creates a pipeline over repo. exporters may be empty.
func NewAuditPipeline(repo repository.AuditRepository, signer domainService.AuditSigner, cfg *config.Config, clock domainService.Clock, metrics domainService.Metrics, log logger.Logger, exporters ...domainService.AuditExporter) *AuditPipeline {
	if clock == nil {
		clock = domainService.SystemClock{}
	}
	if metrics == nil {
		metrics = domainService.NoopMetrics{}
	}
	bufferSize := cfg.Audit.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &AuditPipeline{
		repo:       repo,
		exporters:  exporters,
		signer:     signer,
		cfg:        cfg,
		clock:      clock,
		metrics:    metrics,
		logger:     log.WithComponent("AuditPipeline"),
		bufferSize: bufferSize,
		backlogs:   make([][]*models.AuditEvent, len(exporters)),
	}
}

// Start registers the flush task with scheduler.
func (p *AuditPipeline) Start(scheduler domainService.Scheduler) {
	interval := p.cfg.Audit.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	scheduler.RunEvery("audit-flush", interval, p.Flush)
	if p.cfg.Audit.ReportInterval > 0 {
		scheduler.RunEvery("audit-report", p.cfg.Audit.ReportInterval, p.periodicReport)
	}
}

// periodicReport sweeps the last report interval and logs what the anomaly checks found.
func (p *AuditPipeline) periodicReport(ctx context.Context) error {
	to := p.clock.Now()
	report, err := p.GenerateReport(ctx, to.Add(-p.cfg.Audit.ReportInterval), to)
	if err != nil {
		return err
	}
	for _, a := range report.Anomalies {
		p.logger.Warn(ctx, "audit anomaly detected",
			logger.String("kind", string(a.Kind)),
			logger.String("subject", a.Subject),
			logger.Int("count", a.Count),
		)
	}
	return nil
}

// ================================================================================
// Recording
// ================================================================================

// Record signs event and buffers it for the next flush.
func (p *AuditPipeline) Record(ctx context.Context, event *models.AuditEvent) error {
	if err := p.signer.Sign(event); err != nil {
		p.logger.Error(ctx, "failed to sign audit event", err, logger.String("audit_id", event.AuditID))
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= p.bufferSize {
		err := fmt.Errorf("audit buffer full (%d events pending)", len(p.pending))
		p.logger.Error(ctx, "dropping audit event", err, logger.String("audit_id", event.AuditID))
		p.metrics.RecordAuditDropped("buffer", 1)
		return err
	}
	p.pending = append(p.pending, event)
	return nil
}

// Publish implements service.EventSink.
func (p *AuditPipeline) Publish(event models.SecurityEvent) {
	_ = p.RecordSecurityEvent(context.Background(), event)
}

// RecordSecurityEvent archives a gate decision.
func (p *AuditPipeline) RecordSecurityEvent(ctx context.Context, event models.SecurityEvent) error {
	actor := event.ClientID
	if actor == "" {
		actor = "anonymous"
	}
	resource := event.PayloadString(models.PayloadPath)
	if resource == "" {
		resource = event.Source
	}
	action := event.PayloadString(models.PayloadMethod)
	if action == "" {
		action = event.Source
	}
	a := models.NewAuditEvent(models.AuditSecurityEvent, event.Severity, event.Timestamp).
		WithActor(actor, event.ClientIP).
		WithAction(resource, action, string(event.Outcome)).
		WithDetail(auditDetailEventID, event.ID)
	if event.RequestID != "" {
		a.WithDetail(auditDetailRequestID, event.RequestID)
	}
	if len(event.Reasons) > 0 {
		a.WithDetail(auditDetailReasons, event.Reasons)
	}
	if len(event.Tags) > 0 {
		a.WithDetail(auditDetailTags, event.Tags)
	}
	for _, key := range []string{models.PayloadFailedStep, models.PayloadStatus, models.PayloadAnomalyScore, models.PayloadProtocol, models.PayloadCountry} {
		if v, ok := event.Payload[key]; ok {
			a.WithDetail(key, v)
		}
	}
	if detectors, ok := event.Payload[models.PayloadContentThreats].([]string); ok {
		a.WithRules(detectors...)
	}
	return p.Record(ctx, a)
}

// RecordThreat archives a detected threat together with the responses taken.
func (p *AuditPipeline) RecordThreat(ctx context.Context, threat models.DetectedThreat, event models.SecurityEvent, responses []models.ResponseAction) error {
	actor := threat.ClientID
	if actor == "" {
		actor = event.ClientIP
	}
	names := make([]string, len(responses))
	for i, r := range responses {
		names[i] = string(r)
	}
	a := models.NewAuditEvent(models.AuditThreatDetected, threat.Severity, threat.Timestamp).
		WithActor(actor, event.ClientIP).
		WithAction("threat:"+string(threat.Type), "detect", "detected").
		WithRules(threat.PatternID).
		WithDetail(auditDetailEventID, threat.SourceEventID).
		WithDetail(auditDetailConfidence, threat.Confidence).
		WithDetail(auditDetailDesc, threat.Description).
		WithDetail(auditDetailResponses, names)
	return p.Record(ctx, a)
}

// RecordViolation archives a policy violation.
func (p *AuditPipeline) RecordViolation(ctx context.Context, v models.PolicyViolation) error {
	actor, _ := v.Context["client_id"].(string)
	if actor == "" {
		actor = "system"
	}
	ip, _ := v.Context["client_ip"].(string)
	a := models.NewAuditEvent(models.AuditPolicyViolation, v.Severity, v.DetectedAt).
		WithActor(actor, ip).
		WithAction("policy:"+v.PolicyID, string(v.Action), "violated").
		WithRules(v.RuleID).
		WithDetail("violation_id", v.ID)
	return p.Record(ctx, a)
}

// RecordCSPReport archives a browser CSP violation report.
func (p *AuditPipeline) RecordCSPReport(ctx context.Context, report models.CSPReport, sourceIP, userAgent string) error {
	directive := report.EffectiveDirective
	if directive == "" {
		directive = report.ViolatedDirective
	}
	a := models.NewAuditEvent(models.AuditCSPViolation, models.SeverityLow, p.clock.Now()).
		WithActor("browser", sourceIP).
		WithAction(report.DocumentURI, "csp:"+directive, "reported").
		WithDetail("blocked_uri", report.BlockedURI).
		WithDetail("user_agent", userAgent).
		WithDetail("nonce_verified", report.NonceVerified)
	if report.SourceFile != "" {
		a.WithDetail("source_file", report.SourceFile)
	}
	return p.Record(ctx, a)
}

// RecordAdminAction archives an administrative change.
func (p *AuditPipeline) RecordAdminAction(ctx context.Context, actor, sourceIP, resource, action, outcome string) error {
	a := models.NewAuditEvent(models.AuditAdminAction, models.SeverityInfo, p.clock.Now()).
		WithActor(actor, sourceIP).
		WithAction(resource, action, outcome)
	return p.Record(ctx, a)
}

// ================================================================================
// Flushing
// ================================================================================

// Flush writes pending events to the repository, then to the exporters. Events that fail stay queued for
// the next flush; exporters receive events only after the repository accepted them. Each exporter keeps its
// own backlog, capped at the buffer size, so one failing sink neither duplicates events to the others nor
// grows without bound.
func (p *AuditPipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	var errs []error
	if len(batch) > 0 {
		err := p.repo.Append(ctx, batch)
		p.metrics.RecordAuditFlush(len(batch), err)
		if err != nil {
			p.logger.Error(ctx, "audit flush failed, retrying next tick", err, logger.Int("events", len(batch)))
			p.mu.Lock()
			p.pending = append(batch, p.pending...)
			p.mu.Unlock()
			errs = append(errs, err)
			batch = nil
		}
	}

	for i, exp := range p.exporters {
		p.mu.Lock()
		exportable := append(p.backlogs[i], batch...)
		p.backlogs[i] = nil
		p.mu.Unlock()
		if len(exportable) == 0 {
			continue
		}
		if err := exp.Export(ctx, exportable); err != nil {
			p.logger.Error(ctx, "audit export failed, retrying next tick", err,
				logger.Int("exporter", i),
				logger.Int("events", len(exportable)))
			p.requeueExport(ctx, i, exportable)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requeueExport puts failed events back on exporter i's backlog, dropping the oldest beyond the buffer size.
func (p *AuditPipeline) requeueExport(ctx context.Context, i int, events []*models.AuditEvent) {
	if over := len(events) - p.bufferSize; over > 0 {
		p.logger.Warn(ctx, "audit export backlog full, dropping oldest events",
			logger.Int("exporter", i),
			logger.Int("dropped", over))
		p.metrics.RecordAuditDropped(fmt.Sprintf("export:%d", i), over)
		events = events[over:]
	}
	p.mu.Lock()
	p.backlogs[i] = events
	p.mu.Unlock()
}

// ExportBacklog returns how many stored events exporter i has yet to accept.
func (p *AuditPipeline) ExportBacklog(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.backlogs) {
		return 0
	}
	return len(p.backlogs[i])
}

// Pending returns the number of events not yet stored.
func (p *AuditPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Events returns stored and pending events with from <= Timestamp < to, oldest first.
func (p *AuditPipeline) Events(ctx context.Context, from, to time.Time) ([]*models.AuditEvent, error) {
	stored, err := p.repo.FindBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored))
	for _, e := range stored {
		seen[e.AuditID] = true
	}
	p.mu.Lock()
	for _, e := range p.pending {
		if !seen[e.AuditID] && !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			stored = append(stored, e)
		}
	}
	p.mu.Unlock()
	sortAuditEvents(stored)
	return stored, nil
}
