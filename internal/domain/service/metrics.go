// Package service defines the interfaces for domain services.
package service

import (
	"time"
)

// Metrics defines the interface for collecting gate and pipeline metrics.
// This abstraction allows the application layer to remain independent of the specific monitoring implementation (e.g., Prometheus).
// Metrics 定义了收集网关与管道指标的接口。
// 这种抽象使应用层能够独立于具体的监控实现（例如 Prometheus）。
type Metrics interface {
	// RecordGateDecision records the outcome of one Request Gate evaluation.
	// RecordGateDecision 记录一次请求网关评估的结果。
	RecordGateDecision(step, outcome string, duration time.Duration)

	// RecordRateLimitHit records an event when a rate limit is triggered.
	// RecordRateLimitHit 记录触发速率限制的事件。
	RecordRateLimitHit(endpoint, scope string)

	// RecordContentThreat records a sanitizer finding.
	RecordContentThreat(detector, severity string)

	// SetDetectorQueueDepth updates the gauge for pending detector events.
	SetDetectorQueueDepth(depth int)

	// RecordThreat records a detected threat.
	// RecordThreat 记录检测到的威胁。
	RecordThreat(threatType, severity string)

	// SetThreatLevel updates the active threat level gauge.
	SetThreatLevel(level int)

	// RecordPolicyViolation records a policy violation by action.
	RecordPolicyViolation(policyID, action string)

	// RecordAuditFlush records an audit flush and whether it failed.
	RecordAuditFlush(events int, err error)

	// RecordAuditDropped counts audit events discarded by stage (buffer or an exporter backlog).
	RecordAuditDropped(stage string, events int)

	// RecordCacheAccess records a cache hit or miss.
	// RecordCacheAccess 记录缓存命中或未命中。
	RecordCacheAccess(cacheType string, hit bool)

	// RecordVaultAPI records the latency and error status of a Vault API call.
	// RecordVaultAPI 记录 Vault API 调用的延迟和错误状态。
	RecordVaultAPI(operation string, duration time.Duration, err error)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordGateDecision(string, string, time.Duration) {}
func (NoopMetrics) RecordRateLimitHit(string, string)                {}
func (NoopMetrics) RecordContentThreat(string, string)               {}
func (NoopMetrics) SetDetectorQueueDepth(int)                        {}
func (NoopMetrics) RecordThreat(string, string)                      {}
func (NoopMetrics) SetThreatLevel(int)                               {}
func (NoopMetrics) RecordPolicyViolation(string, string)             {}
func (NoopMetrics) RecordAuditFlush(int, error)                      {}
func (NoopMetrics) RecordAuditDropped(string, int)                   {}
func (NoopMetrics) RecordCacheAccess(string, bool)                   {}
func (NoopMetrics) RecordVaultAPI(string, time.Duration, error)      {}
