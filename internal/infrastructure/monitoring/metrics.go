package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics and implements service.Metrics.
type Metrics struct {
	GateDecisions     *prometheus.CounterVec
	GateLatency       *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
	ContentThreats    *prometheus.CounterVec
	DetectorQueue     prometheus.Gauge
	Threats           *prometheus.CounterVec
	ThreatLevel       prometheus.Gauge
	PolicyViolations  *prometheus.CounterVec
	AuditFlushes      *prometheus.CounterVec
	AuditFlushedTotal prometheus.Counter
	AuditDropped      *prometheus.CounterVec
	CacheAccess       *prometheus.CounterVec
	VaultLatency      *prometheus.HistogramVec
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
}

// NewMetrics creates and registers the Prometheus metrics on reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		GateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_gate_decisions_total",
				Help: "Total number of Request Gate decisions by failed step and outcome.",
			},
			[]string{"step", "outcome"},
		),
		GateLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_gate_latency_seconds",
				Help:    "Latency of Request Gate evaluations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_rate_limit_hits_total",
				Help: "Total number of rate limit hits.",
			},
			[]string{"endpoint", "scope"},
		),
		ContentThreats: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_content_threats_total",
				Help: "Sanitizer findings by detector and severity.",
			},
			[]string{"detector", "severity"},
		),
		DetectorQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_detector_queue_depth",
			Help: "Security events waiting for threat analysis.",
		}),
		Threats: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_threats_detected_total",
				Help: "Detected threats by type and severity.",
			},
			[]string{"type", "severity"},
		),
		ThreatLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "paygate_threat_level",
			Help: "Active threat level, 1 to 5.",
		}),
		PolicyViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_policy_violations_total",
				Help: "Policy violations by policy and action.",
			},
			[]string{"policy_id", "action"},
		),
		AuditFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_audit_flushes_total",
				Help: "Audit flush attempts by result.",
			},
			[]string{"result"},
		),
		AuditFlushedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_audit_events_flushed_total",
			Help: "Audit events successfully flushed.",
		}),
		AuditDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_audit_events_dropped_total",
				Help: "Audit events discarded because a buffer or export backlog was full.",
			},
			[]string{"stage"},
		),
		CacheAccess: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_cache_access_total",
				Help: "Cache lookups by cache and result.",
			},
			[]string{"cache", "result"},
		),
		VaultLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_vault_api_latency_seconds",
				Help:    "Latency of Vault API calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_http_requests_total",
				Help: "HTTP requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_http_request_duration_seconds",
				Help:    "HTTP request latency by route and method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

func (m *Metrics) RecordGateDecision(step, outcome string, duration time.Duration) {
	if step == "" {
		step = "none"
	}
	m.GateDecisions.WithLabelValues(step, outcome).Inc()
	m.GateLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLimitHit(endpoint, scope string) {
	m.RateLimitHits.WithLabelValues(endpoint, scope).Inc()
}

func (m *Metrics) RecordContentThreat(detector, severity string) {
	m.ContentThreats.WithLabelValues(detector, severity).Inc()
}

func (m *Metrics) SetDetectorQueueDepth(depth int) {
	m.DetectorQueue.Set(float64(depth))
}

func (m *Metrics) RecordThreat(threatType, severity string) {
	m.Threats.WithLabelValues(threatType, severity).Inc()
}

func (m *Metrics) SetThreatLevel(level int) {
	m.ThreatLevel.Set(float64(level))
}

func (m *Metrics) RecordPolicyViolation(policyID, action string) {
	m.PolicyViolations.WithLabelValues(policyID, action).Inc()
}

func (m *Metrics) RecordAuditFlush(events int, err error) {
	if err != nil {
		m.AuditFlushes.WithLabelValues("failure").Inc()
		return
	}
	m.AuditFlushes.WithLabelValues("success").Inc()
	m.AuditFlushedTotal.Add(float64(events))
}

func (m *Metrics) RecordAuditDropped(stage string, events int) {
	m.AuditDropped.WithLabelValues(stage).Add(float64(events))
}

func (m *Metrics) RecordCacheAccess(cacheType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheAccess.WithLabelValues(cacheType, result).Inc()
}

func (m *Metrics) RecordVaultAPI(operation string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.VaultLatency.WithLabelValues(operation, result).Observe(duration.Seconds())
}
