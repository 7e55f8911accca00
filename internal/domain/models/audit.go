package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType classifies an audit record.
type AuditEventType string

const (
	AuditSecurityEvent   AuditEventType = "security_event"
	AuditThreatDetected  AuditEventType = "threat_detected"
	AuditPolicyViolation AuditEventType = "policy_violation"
	AuditCSPViolation    AuditEventType = "csp_violation"
	AuditAdminAction     AuditEventType = "admin_action"
)

// AuditEvent is the append-only, signed audit record.
type AuditEvent struct {
	AuditID        string                 `json:"audit_id" gorm:"primaryKey;size:64"`
	Timestamp      time.Time              `json:"timestamp" gorm:"index;not null"`
	Type           AuditEventType         `json:"type" gorm:"index;size:32;not null"`
	Severity       Severity               `json:"severity" gorm:"not null"`
	Actor          string                 `json:"actor" gorm:"index;size:128"`
	Resource       string                 `json:"resource" gorm:"size:256"`
	Action         string                 `json:"action" gorm:"size:64"`
	Outcome        string                 `json:"outcome" gorm:"size:32"`
	SourceIP       string                 `json:"source_ip" gorm:"index;size:64"`
	Details        map[string]interface{} `json:"details,omitempty" gorm:"serializer:json"`
	TriggeredRules []string               `json:"triggered_rules,omitempty" gorm:"serializer:json"`
	Signature      string                 `json:"signature,omitempty" gorm:"size:128"`
}

// TableName pins the gorm table name.
func (AuditEvent) TableName() string { return "audit_events" }

// NewAuditEvent creates an unsigned audit record. The timestamp is truncated to microseconds so signatures
// survive a round trip through SQL stores.
func NewAuditEvent(eventType AuditEventType, severity Severity, at time.Time) *AuditEvent {
	return &AuditEvent{
		AuditID:   uuid.NewString(),
		Timestamp: at.UTC().Truncate(time.Microsecond),
		Type:      eventType,
		Severity:  severity,
		Details:   make(map[string]interface{}),
	}
}

// WithActor sets who performed the action.
func (a *AuditEvent) WithActor(actor, sourceIP string) *AuditEvent {
	a.Actor = actor
	a.SourceIP = sourceIP
	return a
}

// WithAction sets what was done to which resource and how it ended.
func (a *AuditEvent) WithAction(resource, action, outcome string) *AuditEvent {
	a.Resource = resource
	a.Action = action
	a.Outcome = outcome
	return a
}

// WithDetail adds one detail entry.
func (a *AuditEvent) WithDetail(key string, value interface{}) *AuditEvent {
	if a.Details == nil {
		a.Details = make(map[string]interface{})
	}
	a.Details[key] = value
	return a
}

// WithRules records the rules that fired.
func (a *AuditEvent) WithRules(rules ...string) *AuditEvent {
	a.TriggeredRules = append(a.TriggeredRules, rules...)
	return a
}

// AuditReport summarizes a time window.
type AuditReport struct {
	From            time.Time                 `json:"from"`
	To              time.Time                 `json:"to"`
	TotalEvents     int                       `json:"total_events"`
	BySeverity      map[string]int            `json:"by_severity"`
	ByType          map[string]int            `json:"by_type"`
	ViolationCounts map[string]int            `json:"violation_counts"`
	UserActivity    map[string]int            `json:"user_activity"`
	AccessPatterns  map[string]map[string]int `json:"access_patterns"`
	Anomalies       []AnomalyFinding          `json:"anomalies"`
	Risk            RiskAssessment            `json:"risk"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// AnomalyKind names an audit anomaly sweep.
type AnomalyKind string

const (
	AnomalyFailedLogins        AnomalyKind = "failed_logins"
	AnomalyPrivilegeEscalation AnomalyKind = "privilege_escalation"
	AnomalyExcessiveAccess     AnomalyKind = "excessive_data_access"
	AnomalyOffHours            AnomalyKind = "off_hours_activity"
)

// AnomalyFinding is one result of an audit anomaly sweep.
type AnomalyFinding struct {
	Kind        AnomalyKind `json:"kind"`
	Subject     string      `json:"subject"`
	Count       int         `json:"count"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
}

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor buckets score at 0.25/0.5/0.75.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 0.75:
		return RiskCritical
	case score >= 0.5:
		return RiskHigh
	case score >= 0.25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskAssessment is a scored risk for a window.
type RiskAssessment struct {
	Score   float64            `json:"score"`
	Level   RiskLevel          `json:"level"`
	Factors map[string]float64 `json:"factors"`
}

// ControlStatus is the result of a single compliance control check.
type ControlStatus string

const (
	ControlPass ControlStatus = "pass"
	ControlFail ControlStatus = "fail"
)

// ControlResult is one evaluated compliance control.
type ControlResult struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      ControlStatus `json:"status"`
	Evidence    string        `json:"evidence"`
}

// ComplianceReport is the outcome of checking a framework's controls.
type ComplianceReport struct {
	Framework   string          `json:"framework"`
	Controls    []ControlResult `json:"controls"`
	Passed      int             `json:"passed"`
	Failed      int             `json:"failed"`
	Score       float64         `json:"score"`
	Compliant   bool            `json:"compliant"`
	GeneratedAt time.Time       `json:"generated_at"`
}
