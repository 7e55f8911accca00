package service

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/logger"
)

// AttributeSource contributes component state to scheduled policy evaluation.
type AttributeSource interface {
	Attributes() map[string]interface{}
}

// gateCounters aggregates the request events seen since the previous evaluation.
type gateCounters struct {
	requests   int
	blocked    int
	suspicious int
	failedAuth int
	content    int
}

// PolicyMonitor evaluates the policy set on a cadence against host state, component state and the gate
// counters accumulated since the last tick.
type PolicyMonitor struct {
	engine   domainService.PolicyEvaluator
	sampler  domainService.StateSampler
	sources  []AttributeSource
	interval time.Duration
	logger   logger.Logger

	mu       sync.Mutex
	counters gateCounters
}

// NewPolicyMonitor creates a monitor. sampler may be nil.
func NewPolicyMonitor(engine domainService.PolicyEvaluator, sampler domainService.StateSampler, cfg config.PolicyConfig, log logger.Logger, sources ...AttributeSource) *PolicyMonitor {
	interval := cfg.EvaluationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PolicyMonitor{
		engine:   engine,
		sampler:  sampler,
		sources:  sources,
		interval: interval,
		logger:   log.WithComponent("PolicyMonitor"),
	}
}

// Publish implements service.EventSink by counting the event.
func (m *PolicyMonitor) Publish(event models.SecurityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.requests++
	switch event.Outcome {
	case models.OutcomeBlocked:
		m.counters.blocked++
	case models.OutcomeSuspicious:
		m.counters.suspicious++
	}
	if event.HasTag(constants.TagFailed) {
		m.counters.failedAuth++
	}
	if event.HasTag(constants.TagContentThreat) {
		m.counters.content++
	}
}

// Start registers the evaluation task with scheduler.
func (m *PolicyMonitor) Start(scheduler domainService.Scheduler) {
	scheduler.RunEvery("policy-evaluation", m.interval, func(ctx context.Context) error {
		_, err := m.Evaluate(ctx)
		return err
	})
}

// Evaluate builds the state snapshot, resets the gate counters and evaluates the policies.
// A failing sampler is logged and the remaining attributes are still evaluated.
func (m *PolicyMonitor) Evaluate(ctx context.Context) ([]models.PolicyViolation, error) {
	attrs := make(map[string]interface{})
	if m.sampler != nil {
		sampled, err := m.sampler.Attributes(ctx)
		if err != nil {
			m.logger.Warn(ctx, "system state sample failed", logger.Err(err))
		}
		for k, v := range sampled {
			attrs[k] = v
		}
	}
	for _, src := range m.sources {
		for k, v := range src.Attributes() {
			attrs[k] = v
		}
	}
	attrs["gate"] = m.takeCounters()

	violations := m.engine.Evaluate(ctx, attrs)
	if len(violations) > 0 {
		m.logger.Info(ctx, "scheduled policy evaluation found violations", logger.Int("count", len(violations)))
	}
	return violations, nil
}

func (m *PolicyMonitor) takeCounters() map[string]interface{} {
	m.mu.Lock()
	c := m.counters
	m.counters = gateCounters{}
	m.mu.Unlock()

	ratio := 0.0
	if c.requests > 0 {
		ratio = float64(c.blocked) / float64(c.requests)
	}
	return map[string]interface{}{
		"requests":        c.requests,
		"blocked":         c.blocked,
		"suspicious":      c.suspicious,
		"failed_auth":     c.failedAuth,
		"content_threats": c.content,
		"block_ratio":     ratio,
	}
}
