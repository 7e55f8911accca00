// Package constants defines system-wide constants for the PayGate security gate.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// HTTP Header Constants
// ================================================================================

const (
	// HeaderAPIKey carries the client API key.
	HeaderAPIKey = "X-API-Key"
	// HeaderAuthorization carries "Bearer <key>" as an alternative to HeaderAPIKey.
	HeaderAuthorization = "Authorization"
	// QueryAPIKey is the query parameter fallback for the API key.
	QueryAPIKey = "api_key"
	// HeaderSignature carries the request signature ("t=...,v1=..." or bare hex).
	HeaderSignature = "X-Signature"
	// HeaderTimestamp carries the signing timestamp when X-Signature is bare hex.
	HeaderTimestamp = "X-Timestamp"
	// HeaderIdempotencyKey carries the client idempotency token for write operations.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderForwardedFor is consulted first for client IP resolution.
	HeaderForwardedFor = "X-Forwarded-For"
	// HeaderRealIP is consulted second for client IP resolution.
	HeaderRealIP = "X-Real-IP"
	// HeaderRequestID propagates the request correlation ID.
	HeaderRequestID = "X-Request-ID"
	// HeaderRetryAfter tells rate-limited clients when to retry, in seconds.
	HeaderRetryAfter = "Retry-After"
	// HeaderRateLimitLimit reports the window limit.
	HeaderRateLimitLimit = "X-RateLimit-Limit"
	// HeaderRateLimitRemaining reports the requests left in the window.
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	// HeaderCSP is the Content-Security-Policy response header.
	HeaderCSP = "Content-Security-Policy"
	// HeaderForwardedProto tells the gate the client-facing scheme behind a TLS-terminating proxy.
	HeaderForwardedProto = "X-Forwarded-Proto"
	// HeaderExternalDestination marks calls that will leave the trust boundary.
	HeaderExternalDestination = "X-Destination-External"

	// HeaderGateClientID passes the authenticated client ID to the upstream payment API.
	HeaderGateClientID = "X-PayGate-Client-ID"

	// ContentTypeProblem is the media type of rejection bodies.
	ContentTypeProblem = "application/problem+json"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey represents keys used in context.Context
type ContextKey string

const (
	// ContextKeyRequestID is the key for request ID in context
	ContextKeyRequestID ContextKey = "request_id"
	// ContextKeyTraceID is the key for distributed trace ID in context
	ContextKeyTraceID ContextKey = "trace_id"
	// ContextKeyClientID is the key for the resolved client ID in context
	ContextKeyClientID ContextKey = "client_id"
	// ContextKeySecurity is the gin key holding the request's *models.SecurityContext
	ContextKeySecurity ContextKey = "security_context"
	// ContextKeyAdminClaims is the gin key holding verified admin JWT claims
	ContextKeyAdminClaims ContextKey = "admin_claims"
	// ContextKeyCSPNonce is the gin key holding the response's CSP nonce
	ContextKeyCSPNonce ContextKey = "csp_nonce"
)

// ================================================================================
// Event Sources and Tags
// ================================================================================

const (
	// SourceHTTPGate marks events emitted by the HTTP request gate.
	SourceHTTPGate = "http_gate"
	// SourceGRPCGate marks events emitted by the gRPC interceptor.
	SourceGRPCGate = "grpc_gate"
	// SourceCSPReport marks events created from browser CSP reports.
	SourceCSPReport = "csp_report"

	// TagFailed marks an authentication/signature failure; consumed by brute-force detection.
	TagFailed = "failed"
	// TagSuspicious marks an allowed request whose anomaly score crossed the warn threshold.
	TagSuspicious = "suspicious"
	// TagContentThreat marks a request where the sanitizer found injected content.
	TagContentThreat = "content_threat"
)

// ================================================================================
// Routes
// ================================================================================

const (
	// AdminPathPrefix groups the admin API.
	AdminPathPrefix = "/admin/v1"
	// PathCSPReport receives browser CSP violation reports.
	PathCSPReport = "/csp-report"
	PathHealth    = "/health"
	PathReady     = "/ready"
	PathLive      = "/live"
	PathMetrics   = "/metrics"
)

// ================================================================================
// Defaults
// ================================================================================

const (
	// DefaultRateLimitWindow is the default fixed window length.
	DefaultRateLimitWindow = time.Minute
	// DefaultRateLimitPerWindow is the default per-client, per-endpoint limit.
	DefaultRateLimitPerWindow = 100

	// DefaultSignatureTolerance bounds |now - t| for signed requests.
	DefaultSignatureTolerance = 5 * time.Minute

	// MinIdempotencyKeyLength is the shortest accepted Idempotency-Key.
	MinIdempotencyKeyLength = 8
	// DefaultIdempotencyTTL is how long a registered key rejects duplicates.
	DefaultIdempotencyTTL = 24 * time.Hour

	// DefaultNonceTTL bounds how long a CSP nonce stays valid.
	DefaultNonceTTL = 5 * time.Minute

	// DefaultDetectorBatchSize caps events analyzed per tick.
	DefaultDetectorBatchSize = 1000
	// DefaultProfileRetention bounds client profile memory.
	DefaultProfileRetention = 24 * time.Hour

	// DefaultAPIKeyCacheTTL is the lifetime of a cached ApiKeyInfo.
	DefaultAPIKeyCacheTTL = 5 * time.Minute
	// DefaultLookupTimeout bounds key and secret store calls made on the request path.
	DefaultLookupTimeout = 250 * time.Millisecond
)

// ================================================================================
// Log Levels
// ================================================================================

// LogLevel represents the severity level of log messages
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)
