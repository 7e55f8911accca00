package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the final decision recorded on a SecurityEvent.
type Outcome string

const (
	OutcomeAllowed    Outcome = "allowed"
	OutcomeSuspicious Outcome = "suspicious"
	OutcomeBlocked    Outcome = "blocked"
)

// Payload keys written by the request gate.
const (
	PayloadMethod              = "method"
	PayloadPath                = "path"
	PayloadEndpoint            = "endpoint"
	PayloadProtocol            = "protocol"
	PayloadUserAgent           = "user_agent"
	PayloadSize                = "payload_size"
	PayloadStatus              = "status"
	PayloadFailedStep          = "failed_step"
	PayloadAnomalyScore        = "anomaly_score"
	PayloadCountry             = "country"
	PayloadDestinationExternal = "destination_external"
	PayloadContentThreats      = "content_threats"
)

// SecurityEvent is the normalized record of one request-time security decision.
// It is created once and never mutated; consumers receive it by value.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"` // as sent by the client, not unique
	Source    string                 `json:"source"`
	ClientID  string                 `json:"client_id"`
	ClientIP  string                 `json:"client_ip"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	Outcome   Outcome                `json:"outcome"`
	Reasons   []string               `json:"reasons,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewSecurityEvent creates an event with a fresh ID.
func NewSecurityEvent(source, clientID, clientIP string, at time.Time) SecurityEvent {
	return SecurityEvent{
		ID:        uuid.NewString(),
		Source:    source,
		ClientID:  clientID,
		ClientIP:  clientIP,
		Timestamp: at.UTC(),
		Severity:  SeverityInfo,
		Outcome:   OutcomeAllowed,
		Payload:   make(map[string]interface{}),
	}
}

// HasTag reports whether the event carries tag.
func (e SecurityEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PayloadString returns a string payload value or "".
func (e SecurityEvent) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt returns an integer payload value, accepting the numeric types JSON decoding produces.
func (e SecurityEvent) PayloadInt(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Attributes flattens the event into the field map used by pattern and policy conditions.
func (e SecurityEvent) Attributes() map[string]interface{} {
	attrs := make(map[string]interface{}, len(e.Payload)+8)
	for k, v := range e.Payload {
		attrs[k] = v
	}
	attrs["event_id"] = e.ID
	attrs["source"] = e.Source
	attrs["client_id"] = e.ClientID
	attrs["client_ip"] = e.ClientIP
	attrs["severity"] = e.Severity.String()
	attrs["outcome"] = string(e.Outcome)
	attrs["reasons"] = append([]string(nil), e.Reasons...)
	attrs["tags"] = append([]string(nil), e.Tags...)
	return attrs
}
