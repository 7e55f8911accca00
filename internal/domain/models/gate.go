package models

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GateRequest is the transport-neutral view of an inbound call evaluated by the Request Gate.
type GateRequest struct {
	RequestID   string
	Source      string // event source; the HTTP gate when empty
	Method      string
	Path        string
	Endpoint    string // route template used for limits and baselines, e.g. "POST /api/v1/payments"
	Protocol    string // "http" or "https"
	Headers     map[string]string
	Query       url.Values
	Body        []byte
	ContentType string
	RemoteAddr  string
	ReceivedAt  time.Time
}

// Header returns a header value. Names match case-insensitively.
func (r *GateRequest) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	if v, ok := r.Headers[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// IsWrite reports whether the method mutates state and therefore needs an idempotency key.
func (r *GateRequest) IsWrite() bool {
	switch r.Method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// GateStep names a check of the Request Gate, in precedence order.
type GateStep string

const (
	StepOrigin    GateStep = "origin"
	StepRateLimit GateStep = "rate_limit"
	StepAPIKey    GateStep = "api_key"
	StepSignature GateStep = "signature"
	StepContent   GateStep = "content"
	StepAnomaly   GateStep = "anomaly"
	StepPolicy    GateStep = "policy"
	StepInternal  GateStep = "internal"
)

// GateDecision is the single allow/block outcome of Evaluate.
type GateDecision struct {
	Allowed      bool
	Reasons      []string
	Severity     Severity
	FailedStep   GateStep
	Err          error
	AnomalyScore float64
	RateLimit    *RateLimitDecision
	Security     *SecurityContext
	Event        SecurityEvent
	// IdempotencyKey is set when the guard registered a key for this request.
	IdempotencyKey string
}
