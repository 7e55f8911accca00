// Package errors defines the structured error taxonomy of the PayGate security gate.
// Every rejection produced by the gate is one of these types and maps to an HTTP status code
// and an RFC 7807 problem payload.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies an error class of the taxonomy.
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeAuthentication      Code = "authentication_error"
	CodeAuthorization       Code = "authorization_error"
	CodeRateLimited         Code = "rate_limit_error"
	CodeIdempotencyConflict Code = "idempotency_conflict"
	CodeSignature           Code = "signature_error"
	CodeContentViolation    Code = "content_violation"
	CodePolicyViolation     Code = "policy_violation"
	CodeNotFound            Code = "not_found"
	CodeInternal            Code = "internal_error"
	CodeUnavailable         Code = "service_unavailable"
)

// problemTypeBase prefixes the RFC 7807 "type" URI.
const problemTypeBase = "https://paygate.dev/problems/"

// ================================================================================
// Base Error Interface
// ================================================================================

// GateError represents a structured error with additional metadata
type GateError interface {
	error

	// Code returns the taxonomy code
	Code() Code

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Title returns the short, caller-safe summary
	Title() string

	// Detail returns the caller-safe explanation
	Detail() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) GateError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) GateError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// baseError is the internal implementation of GateError
type baseError struct {
	code       Code
	httpStatus int
	title      string
	detail     string
	cause      error
	metadata   map[string]interface{}
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.detail)
}

func (e *baseError) Code() Code                       { return e.code }
func (e *baseError) HTTPStatus() int                  { return e.httpStatus }
func (e *baseError) Title() string                    { return e.title }
func (e *baseError) Detail() string                   { return e.detail }
func (e *baseError) Unwrap() error                    { return e.cause }
func (e *baseError) Metadata() map[string]interface{} { return e.metadata }

// WithCause adds a cause error to the error chain
func (e *baseError) WithCause(cause error) GateError {
	e.cause = cause
	return e
}

// WithMetadata adds additional context metadata
func (e *baseError) WithMetadata(key string, value interface{}) GateError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// NewError creates a new GateError with the specified parameters
func NewError(code Code, httpStatus int, title string, detail string) GateError {
	return &baseError{
		code:       code,
		httpStatus: httpStatus,
		title:      title,
		detail:     detail,
		metadata:   make(map[string]interface{}),
	}
}

// ================================================================================
// Taxonomy Constructors
// ================================================================================

// ErrValidation creates a 400 error for malformed input.
func ErrValidation(detail string) GateError {
	return NewError(CodeValidation, http.StatusBadRequest, "Invalid request", detail)
}

// ErrAuthentication creates a 401 error for a missing, invalid or expired API key.
func ErrAuthentication(detail string) GateError {
	return NewError(CodeAuthentication, http.StatusUnauthorized, "Authentication failed", detail)
}

// ErrAuthorization creates a 403 error for IP, geo or endpoint-permission denials.
func ErrAuthorization(detail string) GateError {
	return NewError(CodeAuthorization, http.StatusForbidden, "Access denied", detail)
}

// ErrRateLimited creates a 429 error carrying the retry-after in seconds.
func ErrRateLimited(scope string, limit int, retryAfterSeconds int) GateError {
	detail := fmt.Sprintf("rate limit of %d requests exceeded, retry in %d seconds", limit, retryAfterSeconds)
	if limit <= 0 {
		detail = fmt.Sprintf("too many requests, retry in %d seconds", retryAfterSeconds)
	}
	return NewError(CodeRateLimited, http.StatusTooManyRequests, "Too many requests", detail).WithMetadata("scope", scope).
		WithMetadata("limit", limit).
		WithMetadata("retry_after", retryAfterSeconds)
}

// ErrIdempotencyKeyRequired is returned when a write operation omits its Idempotency-Key.
func ErrIdempotencyKeyRequired(minLength int) GateError {
	return ErrValidation(fmt.Sprintf("idempotency key required: send an Idempotency-Key header of at least %d characters", minLength)).
		WithMetadata("reason", "idempotency_key_required")
}

// ErrIdempotencyConflict creates a 409 error for a reused idempotency key.
func ErrIdempotencyConflict() GateError {
	return NewError(CodeIdempotencyConflict, http.StatusConflict, "Duplicate request",
		"a request with this idempotency key has already been received")
}

// ErrInvalidSignature creates a 401 error. The detail never says which check failed.
func ErrInvalidSignature() GateError {
	return NewError(CodeSignature, http.StatusUnauthorized, "Invalid signature", "invalid signature")
}

// ErrContentViolation creates a content error; high-severity findings are forbidden, the rest are bad requests.
func ErrContentViolation(severity string, blocking bool) GateError {
	status := http.StatusBadRequest
	if blocking {
		status = http.StatusForbidden
	}
	return NewError(CodeContentViolation, status, "Content rejected", "request content failed security validation").
		WithMetadata("severity", severity)
}

// ErrPolicyViolation creates a 403 error for a block/reject policy action.
func ErrPolicyViolation(policyID, ruleID, action string) GateError {
	return NewError(CodePolicyViolation, http.StatusForbidden, "Policy violation", "request violates a security policy").
		WithMetadata("policy_id", policyID).
		WithMetadata("rule_id", ruleID).
		WithMetadata("action", action)
}

// ErrNotFound creates a 404 error.
func ErrNotFound(what string) GateError {
	return NewError(CodeNotFound, http.StatusNotFound, "Not found", what+" not found")
}

// ErrInternal creates a 500 error with a minimal external detail.
func ErrInternal(cause error) GateError {
	return NewError(CodeInternal, http.StatusInternalServerError, "Internal error", "the request could not be processed").
		WithCause(cause)
}

// ErrUnavailable creates a 503 error for a dependency outage.
func ErrUnavailable(dependency string) GateError {
	return NewError(CodeUnavailable, http.StatusServiceUnavailable, "Service unavailable", dependency+" is unavailable")
}

// ================================================================================
// Error Validation Utilities
// ================================================================================

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// New returns a plain error with the given text.
func New(text string) error { return stderrors.New(text) }

// AsGateError finds the first GateError in err's chain.
func AsGateError(err error) (GateError, bool) {
	var gateErr GateError
	if stderrors.As(err, &gateErr) {
		return gateErr, true
	}
	return nil, false
}

// HasCode reports whether err's chain holds a GateError with the given code.
func HasCode(err error, code Code) bool {
	if gateErr, ok := AsGateError(err); ok {
		return gateErr.Code() == code
	}
	return false
}

// IsRateLimitError checks if an error is related to rate limiting
func IsRateLimitError(err error) bool {
	return HasCode(err, CodeRateLimited)
}

// IsAuthenticationError checks if an error is an authentication or signature failure
func IsAuthenticationError(err error) bool {
	return HasCode(err, CodeAuthentication) || HasCode(err, CodeSignature)
}

// IsConflictError checks if an error is an idempotency conflict
func IsConflictError(err error) bool {
	return HasCode(err, CodeIdempotencyConflict)
}

// RetryAfter returns the retry-after seconds carried by a rate limit error.
func RetryAfter(err error) (int, bool) {
	gateErr, ok := AsGateError(err)
	if !ok {
		return 0, false
	}
	v, ok := gateErr.Metadata()["retry_after"].(int)
	return v, ok
}

// ================================================================================
// Problem Response Builder
// ================================================================================

// Problem is the RFC 7807 body returned on rejection.
type Problem struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail"`
	TraceID string `json:"traceId,omitempty"`
}

// ToProblem converts any error into a problem payload. Unknown errors become a minimal 500.
func ToProblem(err error, traceID string) *Problem {
	gateErr, ok := AsGateError(err)
	if !ok {
		gateErr = ErrInternal(err)
	}
	return &Problem{
		Type:    problemTypeBase + string(gateErr.Code()),
		Title:   gateErr.Title(),
		Status:  gateErr.HTTPStatus(),
		Detail:  gateErr.Detail(),
		TraceID: traceID,
	}
}
