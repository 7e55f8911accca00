package models

import (
	"time"

	"github.com/google/uuid"
)

// ThreatType classifies a detected threat.
type ThreatType string

const (
	ThreatBruteForce      ThreatType = "brute_force"
	ThreatDoS             ThreatType = "dos"
	ThreatAnomalousSize   ThreatType = "anomalous_payload_size"
	ThreatInjection       ThreatType = "injection"
	ThreatXSS             ThreatType = "xss"
	ThreatPathTraversal   ThreatType = "path_traversal"
	ThreatCommandInject   ThreatType = "command_injection"
	ThreatLDAPInjection   ThreatType = "ldap_injection"
	ThreatXMLEntity       ThreatType = "xml_entity"
	ThreatDangerousFile   ThreatType = "dangerous_file"
	ThreatSensitiveData   ThreatType = "sensitive_data"
	ThreatScanner         ThreatType = "scanner"
	ThreatCredentialAbuse ThreatType = "credential_abuse"
	ThreatAnomaly         ThreatType = "anomaly"
	ThreatPolicy          ThreatType = "policy"
)

// PatternKind tags how a ThreatPattern decides a match.
type PatternKind string

const (
	PatternKindPattern    PatternKind = "pattern"
	PatternKindThreshold  PatternKind = "threshold"
	PatternKindBehavioral PatternKind = "behavioral"
)

// ThreatPattern is static detector configuration loaded at start.
type ThreatPattern struct {
	ID          string      `json:"id" yaml:"id"`
	Type        ThreatType  `json:"type" yaml:"type"`
	Kind        PatternKind `json:"kind" yaml:"kind"`
	Severity    Severity    `json:"severity" yaml:"severity"`
	MatchRules  []string    `json:"match_rules" yaml:"match_rules"`
	Field       string      `json:"field,omitempty" yaml:"field,omitempty"`
	Threshold   float64     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Description string      `json:"description" yaml:"description"`
}

// DetectedThreat is a pattern or behavioral match; derived and never mutated.
type DetectedThreat struct {
	ID            string     `json:"id"`
	Type          ThreatType `json:"type"`
	Severity      Severity   `json:"severity"`
	Confidence    float64    `json:"confidence"`
	SourceEventID string     `json:"source_event_id"`
	ClientID      string     `json:"client_id"`
	PatternID     string     `json:"pattern_id"`
	Description   string     `json:"description"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NewDetectedThreat builds a threat, clamping confidence into [0,1].
func NewDetectedThreat(threatType ThreatType, severity Severity, confidence float64, event SecurityEvent, patternID, description string, at time.Time) DetectedThreat {
	return DetectedThreat{
		ID:            uuid.NewString(),
		Type:          threatType,
		Severity:      severity,
		Confidence:    ClampUnit(confidence),
		SourceEventID: event.ID,
		ClientID:      event.ClientID,
		PatternID:     patternID,
		Description:   description,
		Timestamp:     at.UTC(),
	}
}

// ResponseAction is the automatic reaction to a detected threat.
type ResponseAction string

const (
	ResponseBlock          ResponseAction = "block"
	ResponseStrictThrottle ResponseAction = "strict_throttle"
	ResponseThrottle       ResponseAction = "moderate_throttle"
	ResponseAlert          ResponseAction = "alert"
	ResponseNotifyTeam     ResponseAction = "notify_team"
	ResponseLog            ResponseAction = "log"
)

// ResponseActionsFor maps a severity to its tiered response.
func ResponseActionsFor(s Severity) []ResponseAction {
	switch {
	case s >= SeverityCritical:
		return []ResponseAction{ResponseBlock, ResponseNotifyTeam}
	case s == SeverityHigh:
		return []ResponseAction{ResponseStrictThrottle, ResponseAlert}
	case s == SeverityMedium:
		return []ResponseAction{ResponseThrottle, ResponseAlert}
	default:
		return []ResponseAction{ResponseLog}
	}
}

// ClampUnit clamps v into [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ThrottleLevel is the strength of a throttle imposed by a threat response.
type ThrottleLevel string

const (
	ThrottleNone     ThrottleLevel = ""
	ThrottleModerate ThrottleLevel = "moderate"
	ThrottleStrict   ThrottleLevel = "strict"
)

// Alert is a notification for the security team.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ClientID  string    `json:"client_id,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAlert creates an alert with a fresh ID.
func NewAlert(severity Severity, source, title, message, clientID string, at time.Time) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		ClientID:  clientID,
		Source:    source,
		CreatedAt: at.UTC(),
	}
}

// ContentThreat is one sanitizer detector match in a request value.
type ContentThreat struct {
	Detector string     `json:"detector"`
	Type     ThreatType `json:"type"`
	Severity Severity   `json:"severity"`
	Match    string     `json:"match"`
}
