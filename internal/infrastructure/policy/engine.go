// Package policy evaluates declarative security policies against request attributes and
// system state snapshots.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

type compiledRule struct {
	rule models.PolicyRule
	expr *Expression
}

type compiledPolicy struct {
	policy *models.SecurityPolicy
	rules  []compiledRule
}

func compilePolicy(p *models.SecurityPolicy) (*compiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cp := &compiledPolicy{policy: p.Clone()}
	for _, r := range p.Rules {
		expr, err := Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("policy %s: rule %s: %w", p.ID, r.ID, err)
		}
		cp.rules = append(cp.rules, compiledRule{rule: r, expr: expr})
	}
	return cp, nil
}

// ViolationHandler receives every violation the engine produces.
type ViolationHandler func(ctx context.Context, v models.PolicyViolation)

// Engine holds compiled policies. Readers evaluate concurrently; mutations swap whole policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	handlers []ViolationHandler
	notifier service.Notifier
	metrics  service.Metrics
	clock    service.Clock
	logger   logger.Logger
}

// NewEngine creates an empty engine. notifier may be nil.
func NewEngine(notifier service.Notifier, metrics service.Metrics, clock service.Clock, log logger.Logger) *Engine {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	if clock == nil {
		clock = service.SystemClock{}
	}
	return &Engine{
		policies: make(map[string]*compiledPolicy),
		notifier: notifier,
		metrics:  metrics,
		clock:    clock,
		logger:   log.WithComponent("PolicyEngine"),
	}
}

// OnViolation registers a handler called for each violation, after metrics and notification.
func (e *Engine) OnViolation(h ViolationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// ================================================================================
// Policy Management
// ================================================================================

// AddPolicy compiles p and stores it, replacing a policy with the same ID.
func (e *Engine) AddPolicy(p *models.SecurityPolicy) error {
	cp, err := compilePolicy(p)
	if err != nil {
		return errors.ErrValidation(err.Error()).WithCause(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.ID] = cp
	return nil
}

// ReplaceAll swaps the whole policy set. Nothing changes if any policy fails to compile.
func (e *Engine) ReplaceAll(policies []*models.SecurityPolicy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, dup := next[p.ID]; dup {
			return errors.ErrValidation(fmt.Sprintf("duplicate policy id %s", p.ID))
		}
		cp, err := compilePolicy(p)
		if err != nil {
			return errors.ErrValidation(err.Error()).WithCause(err)
		}
		next[p.ID] = cp
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = next
	return nil
}

// RemovePolicy deletes the policy called id.
func (e *Engine) RemovePolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return errors.ErrNotFound("policy " + id)
	}
	delete(e.policies, id)
	return nil
}

// EnablePolicy turns the policy called id on.
func (e *Engine) EnablePolicy(id string) error { return e.setPolicyEnabled(id, true) }

// DisablePolicy turns the policy called id off.
func (e *Engine) DisablePolicy(id string) error { return e.setPolicyEnabled(id, false) }

func (e *Engine) setPolicyEnabled(id string, enabled bool) error {
	return e.mutate(id, func(p *models.SecurityPolicy) error {
		p.Enabled = enabled
		return nil
	})
}

// AddRule appends rule to the policy called policyID.
func (e *Engine) AddRule(policyID string, rule models.PolicyRule) error {
	return e.mutate(policyID, func(p *models.SecurityPolicy) error {
		p.Rules = append(p.Rules, rule)
		return nil
	})
}

// RemoveRule deletes a rule. A policy cannot lose its last rule.
func (e *Engine) RemoveRule(policyID, ruleID string) error {
	return e.mutate(policyID, func(p *models.SecurityPolicy) error {
		for i, r := range p.Rules {
			if r.ID == ruleID {
				p.Rules = append(p.Rules[:i], p.Rules[i+1:]...)
				return nil
			}
		}
		return errors.ErrNotFound("rule " + ruleID)
	})
}

// EnableRule turns a rule on.
func (e *Engine) EnableRule(policyID, ruleID string) error {
	return e.setRuleEnabled(policyID, ruleID, true)
}

// DisableRule turns a rule off.
func (e *Engine) DisableRule(policyID, ruleID string) error {
	return e.setRuleEnabled(policyID, ruleID, false)
}

func (e *Engine) setRuleEnabled(policyID, ruleID string, enabled bool) error {
	return e.mutate(policyID, func(p *models.SecurityPolicy) error {
		for i := range p.Rules {
			if p.Rules[i].ID == ruleID {
				p.Rules[i].Enabled = enabled
				return nil
			}
		}
		return errors.ErrNotFound("rule " + ruleID)
	})
}

// mutate edits a copy of the policy and swaps it in once it recompiles.
func (e *Engine) mutate(id string, edit func(*models.SecurityPolicy) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.policies[id]
	if !ok {
		return errors.ErrNotFound("policy " + id)
	}
	updated := current.policy.Clone()
	if err := edit(updated); err != nil {
		return err
	}
	cp, err := compilePolicy(updated)
	if err != nil {
		return errors.ErrValidation(err.Error()).WithCause(err)
	}
	e.policies[id] = cp
	return nil
}

// Policy returns a copy of the policy called id.
func (e *Engine) Policy(id string) (*models.SecurityPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[id]
	if !ok {
		return nil, false
	}
	return cp.policy.Clone(), true
}

// Policies returns copies of every policy, ordered by ID.
func (e *Engine) Policies() []*models.SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.SecurityPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ================================================================================
// Evaluation
// ================================================================================

func (e *Engine) snapshot() ([]*compiledPolicy, []ViolationHandler) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.ID < policies[j].policy.ID })
	return policies, append([]ViolationHandler(nil), e.handlers...)
}

// Evaluate runs every enabled rule of every enabled policy against attrs. A rule that fails to evaluate is
// logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, attrs map[string]interface{}) []models.PolicyViolation {
	policies, handlers := e.snapshot()
	now := e.clock.Now()

	var violations []models.PolicyViolation
	for _, cp := range policies {
		if !cp.policy.Enabled {
			continue
		}
		for _, cr := range cp.rules {
			if !cr.rule.Enabled {
				continue
			}
			matched, err := cr.expr.Evaluate(attrs)
			if err != nil {
				e.logger.Warn(ctx, "policy rule evaluation failed",
					logger.String("policy_id", cp.policy.ID),
					logger.String("rule_id", cr.rule.ID),
					logger.Err(err),
				)
				continue
			}
			if !matched {
				continue
			}
			v := models.NewPolicyViolation(cp.policy, cr.rule, attrs, now)
			violations = append(violations, v)
			e.dispatch(ctx, v, cp.policy, handlers)
		}
	}
	return violations
}

// Check evaluates attrs and returns a PolicyViolationError for the first block or reject violation.
func (e *Engine) Check(ctx context.Context, attrs map[string]interface{}) ([]models.PolicyViolation, error) {
	violations := e.Evaluate(ctx, attrs)
	for _, v := range violations {
		if v.Action.Aborts() {
			return violations, errors.ErrPolicyViolation(v.PolicyID, v.RuleID, string(v.Action))
		}
	}
	return violations, nil
}

func (e *Engine) dispatch(ctx context.Context, v models.PolicyViolation, policy *models.SecurityPolicy, handlers []ViolationHandler) {
	e.metrics.RecordPolicyViolation(v.PolicyID, string(v.Action))

	fields := []logger.Field{
		logger.String("policy_id", v.PolicyID),
		logger.String("rule_id", v.RuleID),
		logger.String("action", string(v.Action)),
		logger.String("severity", v.Severity.String()),
	}
	switch v.Action {
	case models.ActionLog:
		e.logger.Info(ctx, "policy violation", fields...)
	default:
		e.logger.Warn(ctx, "policy violation", fields...)
	}

	if v.Action == models.ActionAlert && e.notifier != nil {
		alert := models.NewAlert(v.Severity, "policy_engine",
			fmt.Sprintf("Policy %s violated", policy.Name),
			fmt.Sprintf("rule %s of policy %s matched", v.RuleID, v.PolicyID),
			stringAttr(v.Context, "client_id"), v.DetectedAt)
		if err := e.notifier.Notify(ctx, alert); err != nil {
			e.logger.Error(ctx, "failed to send policy alert", err, fields...)
		}
	}

	for _, h := range handlers {
		h(ctx, v)
	}
}

func stringAttr(attrs map[string]interface{}, key string) string {
	if s, ok := attrs[key].(string); ok {
		return s
	}
	return ""
}
