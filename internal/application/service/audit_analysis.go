package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// Compliance frameworks understood by ComplianceReport.
const (
	FrameworkPCIDSS = "pci-dss"
	FrameworkSOC2   = "soc2"
)

const offHoursClusterSize = 10

func sortAuditEvents(events []*models.AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
}

// GenerateReport summarizes the audit trail between from and to.
func (p *AuditPipeline) GenerateReport(ctx context.Context, from, to time.Time) (*models.AuditReport, error) {
	if !from.Before(to) {
		return nil, errors.ErrValidation("report window start must be before its end")
	}
	events, err := p.Events(ctx, from, to)
	if err != nil {
		return nil, errors.ErrUnavailable("audit store").WithCause(err)
	}

	report := &models.AuditReport{
		From:            from.UTC(),
		To:              to.UTC(),
		TotalEvents:     len(events),
		BySeverity:      make(map[string]int),
		ByType:          make(map[string]int),
		ViolationCounts: make(map[string]int),
		UserActivity:    make(map[string]int),
		AccessPatterns:  make(map[string]map[string]int),
		GeneratedAt:     p.clock.Now().UTC(),
	}
	for _, e := range events {
		report.BySeverity[e.Severity.String()]++
		report.ByType[string(e.Type)]++
		for _, rule := range e.TriggeredRules {
			if rule != "" {
				report.ViolationCounts[rule]++
			}
		}
		if e.Actor != "" {
			report.UserActivity[e.Actor]++
		}
		if e.Resource != "" {
			byAction, ok := report.AccessPatterns[e.Resource]
			if !ok {
				byAction = make(map[string]int)
				report.AccessPatterns[e.Resource] = byAction
			}
			byAction[e.Action]++
		}
	}
	report.Anomalies = p.DetectAnomalies(events)
	report.Risk = AssessRisk(events)

	p.logger.Info(ctx, "audit report generated",
		logger.Time("from", report.From),
		logger.Time("to", report.To),
		logger.Int("events", report.TotalEvents),
		logger.String("risk", string(report.Risk.Level)),
	)
	return report, nil
}

// DetectAnomalies runs the failed-login, privilege-escalation, excessive-access and off-hours sweeps.
func (p *AuditPipeline) DetectAnomalies(events []*models.AuditEvent) []models.AnomalyFinding {
	cfg := p.cfg.Audit
	failedThreshold := cfg.FailedLoginThreshold
	if failedThreshold <= 0 {
		failedThreshold = 5
	}
	accessThreshold := cfg.ExcessiveAccessThreshold
	if accessThreshold <= 0 {
		accessThreshold = 1000
	}

	failed := make(map[string]int)
	escalation := make(map[string]int)
	reads := make(map[string]int)
	offHours := make(map[string]int)
	for _, e := range events {
		if e.Type == models.AuditSecurityEvent && hasDetailTag(e, constants.TagFailed) {
			failed[e.SourceIP]++
		}
		if isAdminResource(e.Resource) && (e.Outcome == string(models.OutcomeBlocked) || e.Outcome == "denied") {
			escalation[e.Actor]++
		}
		if e.Type == models.AuditSecurityEvent && strings.EqualFold(e.Action, "GET") {
			reads[e.Actor]++
		}
		if inOffHours(e.Timestamp.UTC().Hour(), cfg.OffHoursStart, cfg.OffHoursEnd) {
			offHours[e.Actor]++
		}
	}

	var findings []models.AnomalyFinding
	for _, subject := range sortedKeys(failed) {
		if n := failed[subject]; n >= failedThreshold {
			findings = append(findings, models.AnomalyFinding{
				Kind: models.AnomalyFailedLogins, Subject: subject, Count: n, Severity: models.SeverityHigh,
				Description: fmt.Sprintf("%d failed authentication attempts from %s", n, subject),
			})
		}
	}
	for _, subject := range sortedKeys(escalation) {
		n := escalation[subject]
		findings = append(findings, models.AnomalyFinding{
			Kind: models.AnomalyPrivilegeEscalation, Subject: subject, Count: n, Severity: models.SeverityCritical,
			Description: fmt.Sprintf("%d denied administrative requests by %s", n, subject),
		})
	}
	for _, subject := range sortedKeys(reads) {
		if n := reads[subject]; n >= accessThreshold {
			findings = append(findings, models.AnomalyFinding{
				Kind: models.AnomalyExcessiveAccess, Subject: subject, Count: n, Severity: models.SeverityMedium,
				Description: fmt.Sprintf("%d read requests by %s", n, subject),
			})
		}
	}
	for _, subject := range sortedKeys(offHours) {
		if n := offHours[subject]; n >= offHoursClusterSize {
			findings = append(findings, models.AnomalyFinding{
				Kind: models.AnomalyOffHours, Subject: subject, Count: n, Severity: models.SeverityLow,
				Description: fmt.Sprintf("%d events outside business hours by %s", n, subject),
			})
		}
	}
	return findings
}

// AssessRisk scores a set of audit events from their critical, high and failed-auth counts.
func AssessRisk(events []*models.AuditEvent) models.RiskAssessment {
	var critical, high, failed int
	for _, e := range events {
		switch e.Severity {
		case models.SeverityCritical:
			critical++
		case models.SeverityHigh:
			high++
		}
		if hasDetailTag(e, constants.TagFailed) {
			failed++
		}
	}
	factors := map[string]float64{
		"critical_events": 0.5 * math.Min(1, float64(critical)/5),
		"high_events":     0.3 * math.Min(1, float64(high)/20),
		"failed_auth":     0.2 * math.Min(1, float64(failed)/50),
	}
	score := factors["critical_events"] + factors["high_events"] + factors["failed_auth"]
	score = math.Round(score*1000) / 1000
	return models.RiskAssessment{Score: score, Level: models.RiskLevelFor(score), Factors: factors}
}

// ComplianceReport checks framework's controls against the configuration and the audit trail between
// from and to.
func (p *AuditPipeline) ComplianceReport(ctx context.Context, framework string, from, to time.Time) (*models.ComplianceReport, error) {
	events, err := p.Events(ctx, from, to)
	if err != nil {
		return nil, errors.ErrUnavailable("audit store").WithCause(err)
	}

	var controls []models.ControlResult
	switch strings.ToLower(framework) {
	case FrameworkPCIDSS:
		controls = p.pciControls(events)
	case FrameworkSOC2:
		controls = p.soc2Controls(events)
	default:
		return nil, errors.ErrValidation(fmt.Sprintf("unknown compliance framework %q", framework))
	}

	report := &models.ComplianceReport{
		Framework:   strings.ToLower(framework),
		Controls:    controls,
		GeneratedAt: p.clock.Now().UTC(),
	}
	for _, c := range controls {
		if c.Status == models.ControlPass {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	if len(controls) > 0 {
		report.Score = float64(report.Passed) / float64(len(controls))
	}
	report.Compliant = report.Failed == 0
	p.logger.Info(ctx, "compliance report generated",
		logger.String("framework", report.Framework),
		logger.Int("passed", report.Passed),
		logger.Int("failed", report.Failed),
	)
	return report, nil
}

func (p *AuditPipeline) pciControls(events []*models.AuditEvent) []models.ControlResult {
	cfg := p.cfg

	plain := 0
	for _, e := range events {
		if e.Type == models.AuditSecurityEvent && e.Outcome == string(models.OutcomeAllowed) && e.Details[models.PayloadProtocol] == "http" {
			plain++
		}
	}
	unsigned := p.unverified(events)

	return []models.ControlResult{
		control("PCI-3.4", "Cardholder data is detected in request content",
			cfg.Sanitizer.Enabled, fmt.Sprintf("sanitizer enabled=%t", cfg.Sanitizer.Enabled)),
		control("PCI-4.1", "Payment traffic is encrypted in transit",
			plain == 0, fmt.Sprintf("%d plain-http requests allowed", plain)),
		control("PCI-8.2", "Every client authenticates with a unique API key",
			cfg.Gate.RequireAPIKey, fmt.Sprintf("require_api_key=%t", cfg.Gate.RequireAPIKey)),
		control("PCI-8.1.6", "Repeated authentication failures lock the client out after at most six attempts",
			cfg.Detector.Enabled && cfg.Detector.BruteForceThreshold > 0 && cfg.Detector.BruteForceThreshold <= 6,
			fmt.Sprintf("detector enabled=%t brute_force_threshold=%d", cfg.Detector.Enabled, cfg.Detector.BruteForceThreshold)),
		control("PCI-10.2", "Security events are recorded in the audit trail",
			cfg.Audit.Enabled && len(events) > 0, fmt.Sprintf("audit enabled=%t events=%d", cfg.Audit.Enabled, len(events))),
		control("PCI-10.5", "The audit trail is protected against modification",
			cfg.Audit.HMACKey != "" && cfg.Audit.HMACKey != config.DevelopmentAuditKey && unsigned == 0,
			fmt.Sprintf("production key=%t unverifiable events=%d", cfg.Audit.HMACKey != config.DevelopmentAuditKey, unsigned)),
	}
}

func (p *AuditPipeline) soc2Controls(events []*models.AuditEvent) []models.ControlResult {
	cfg := p.cfg

	unanswered := 0
	anonymousChanges := 0
	for _, e := range events {
		if e.Type == models.AuditThreatDetected && e.Severity == models.SeverityCritical && !hasResponse(e, models.ResponseBlock) {
			unanswered++
		}
		if e.Type == models.AuditAdminAction && (e.Actor == "" || e.Actor == "anonymous") {
			anonymousChanges++
		}
	}

	return []models.ControlResult{
		control("CC6.1", "Logical access to payment endpoints requires credentials",
			cfg.Gate.RequireAPIKey && cfg.Admin.Enabled, fmt.Sprintf("require_api_key=%t admin_auth=%t", cfg.Gate.RequireAPIKey, cfg.Admin.Enabled)),
		control("CC6.6", "Traffic from outside the system boundary is filtered",
			cfg.RateLimit.Enabled && cfg.Sanitizer.Enabled, fmt.Sprintf("rate_limit=%t sanitizer=%t", cfg.RateLimit.Enabled, cfg.Sanitizer.Enabled)),
		control("CC6.8", "Malicious input is detected and rejected",
			cfg.Sanitizer.Enabled && cfg.Anomaly.Enabled, fmt.Sprintf("sanitizer=%t anomaly=%t", cfg.Sanitizer.Enabled, cfg.Anomaly.Enabled)),
		control("CC7.2", "Security events are monitored continuously",
			cfg.Detector.Enabled && cfg.Policy.Enabled, fmt.Sprintf("detector=%t policy=%t", cfg.Detector.Enabled, cfg.Policy.Enabled)),
		control("CC7.3", "Critical threats receive a blocking response",
			unanswered == 0, fmt.Sprintf("%d critical threats without a block", unanswered)),
		control("CC8.1", "Administrative changes are attributed to an actor",
			anonymousChanges == 0, fmt.Sprintf("%d unattributed admin actions", anonymousChanges)),
	}
}

// unverified counts events whose signature does not match.
func (p *AuditPipeline) unverified(events []*models.AuditEvent) int {
	n := 0
	for _, e := range events {
		if !p.signer.Verify(e) {
			n++
		}
	}
	return n
}

func control(id, description string, ok bool, evidence string) models.ControlResult {
	status := models.ControlFail
	if ok {
		status = models.ControlPass
	}
	return models.ControlResult{ID: id, Description: description, Status: status, Evidence: evidence}
}

// hasDetailTag handles both in-memory []string and JSON-decoded []interface{} tag lists.
func hasDetailTag(e *models.AuditEvent, tag string) bool {
	return detailContains(e.Details[auditDetailTags], tag)
}

func hasResponse(e *models.AuditEvent, action models.ResponseAction) bool {
	return detailContains(e.Details[auditDetailResponses], string(action))
}

func detailContains(v interface{}, want string) bool {
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			if s == want {
				return true
			}
		}
	case []interface{}:
		for _, s := range list {
			if s == want {
				return true
			}
		}
	}
	return false
}

func isAdminResource(resource string) bool {
	return strings.HasPrefix(resource, "/admin")
}

// inOffHours reports whether hour falls in [start, end), wrapping past midnight when start > end.
func inOffHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
