package service

import (
	"context"
	"net/url"
	"time"

	"github.com/turtacn/paygate/internal/domain/models"
)

// Clock abstracts wall time so that windows, tolerances and TTLs can be driven virtually in tests.
// Clock 抽象了墙上时间，以便在测试中虚拟驱动窗口、容差和 TTL。
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// Task is a unit of background work run by a Scheduler.
type Task func(ctx context.Context) error

// Scheduler runs named background tasks at a fixed interval.
// Scheduler 以固定间隔运行命名的后台任务。
//
//go:generate mockery --name Scheduler --output mocks --outpkg mocks
type Scheduler interface {
	// RunEvery registers task to run every interval until the scheduler stops.
	// RunEvery 注册任务，每隔 interval 运行一次，直到调度器停止。
	RunEvery(name string, interval time.Duration, task Task)

	// Stop stops scheduling and waits for running tasks to finish.
	// Stop 停止调度并等待正在运行的任务完成。
	Stop()
}

// AtomicStore is the narrow key/value contract behind idempotency, nonces and the signature replay cache.
// Every operation is atomic per key.
// AtomicStore 是幂等性、nonce 和签名重放缓存背后的窄键值契约。每个操作对每个键都是原子的。
//
//go:generate mockery --name AtomicStore --output mocks --outpkg mocks
type AtomicStore interface {
	// PutIfAbsent stores value under key only when key is absent; it reports whether it stored.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// CompareAndSwap replaces old with new only when the stored value equals old.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)

	// Take returns and deletes the value under key.
	Take(ctx context.Context, key string) (string, bool, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// WindowCounter counts hits in a fixed window per key.
// WindowCounter 按键在固定窗口内计数。
//
//go:generate mockery --name WindowCounter --output mocks --outpkg mocks
type WindowCounter interface {
	// Increment resets the window to count=1 when now has crossed WindowStart+window,
	// otherwise increments. It returns the count after this hit and the window start.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, windowStart time.Time, err error)
}

// SecretProvider resolves a client's signing secrets. Several secrets may be active during rotation.
// SecretProvider 解析客户端的签名密钥。轮换期间可能有多个密钥处于活动状态。
//
//go:generate mockery --name SecretProvider --output mocks --outpkg mocks
type SecretProvider interface {
	SigningSecrets(ctx context.Context, clientID string) ([]string, error)
}

// GeoResolver maps an IP address to an ISO country code. An empty code means unknown.
type GeoResolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// Notifier delivers alerts to the security team.
// Notifier 向安全团队发送告警。
//
//go:generate mockery --name Notifier --output mocks --outpkg mocks
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// AuditExporter ships signed audit events to an external sink.
//
//go:generate mockery --name AuditExporter --output mocks --outpkg mocks
type AuditExporter interface {
	Export(ctx context.Context, events []*models.AuditEvent) error
}

// Enforcer applies threat responses to later requests.
// Enforcer 将威胁响应应用于后续请求。
type Enforcer interface {
	// Block denies subject until ttl elapses.
	Block(ctx context.Context, subject string, ttl time.Duration, reason string) error

	// Throttle caps subject's request rate at level until ttl elapses.
	Throttle(ctx context.Context, subject string, level models.ThrottleLevel, ttl time.Duration) error
}

// EnforcementState answers whether earlier threat responses apply to a subject on the request path.
type EnforcementState interface {
	// Blocked reports whether subject is blocked and why.
	Blocked(subject string) (reason string, blocked bool)

	// AllowThrottled consumes one request from subject's throttle, if any. retryAfter is set when denied.
	AllowThrottled(subject string) (allowed bool, retryAfter time.Duration)
}

// EventSink receives security events emitted on the request path. Publish must not block.
type EventSink interface {
	Publish(event models.SecurityEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event models.SecurityEvent)

// Publish calls f(event).
func (f EventSinkFunc) Publish(event models.SecurityEvent) { f(event) }

// RequestSignatureVerifier checks the signature a client sent over a request body. signature is either the
// structured "t=..,v1=.." form or a bare hex MAC, in which case timestamp carries the signing time.
type RequestSignatureVerifier interface {
	VerifyRequest(ctx context.Context, clientID string, payload []byte, signature, timestamp string) error
}

// ContentScanner finds injected content in request values.
// ContentScanner 在请求值中查找注入内容。
type ContentScanner interface {
	// Allow consumes one scan from sourceIP's allowance and errors when it is exhausted.
	Allow(ctx context.Context, sourceIP string) error
	ScanQuery(query url.Values) []models.ContentThreat
	// ScanJSON errors when body is not well-formed JSON or nests deeper than maxDepth.
	ScanJSON(body []byte, maxDepth int) ([]models.ContentThreat, error)
}

// ThreatAnalyzer matches events against threat patterns and per-client behavior.
// ThreatAnalyzer 根据威胁模式和客户端行为匹配事件。
//
//go:generate mockery --name ThreatAnalyzer --output mocks --outpkg mocks
type ThreatAnalyzer interface {
	// Analyze folds event into its subject's profile and returns the threats it triggers. Threat types still
	// cooling down for the subject are suppressed.
	Analyze(event models.SecurityEvent, now time.Time) []models.DetectedThreat

	// ThreatLevel derives the active threat level, 1 to 5.
	ThreatLevel(recent []models.DetectedThreat, backlog, capacity int, now time.Time) int

	// Prune forgets profile history older than cutoff and reports how many profiles were dropped.
	Prune(cutoff time.Time) int
}

// PolicyEvaluator evaluates attributes against the active security policies.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, attrs map[string]interface{}) []models.PolicyViolation
}

// PolicyChecker enforces policies on a single operation. It errors when a violated rule aborts the operation.
type PolicyChecker interface {
	Check(ctx context.Context, attrs map[string]interface{}) ([]models.PolicyViolation, error)
}

// StateSampler reports host state as policy attributes.
type StateSampler interface {
	Attributes(ctx context.Context) (map[string]interface{}, error)
}

// AuditSigner signs audit events in place.
type AuditSigner interface {
	Sign(event *models.AuditEvent) error
	Verify(event *models.AuditEvent) bool
}
