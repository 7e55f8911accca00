package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyAction is what a matched rule does.
type PolicyAction string

const (
	ActionLog    PolicyAction = "log"
	ActionWarn   PolicyAction = "warn"
	ActionAlert  PolicyAction = "alert"
	ActionReject PolicyAction = "reject"
	ActionBlock  PolicyAction = "block"
)

// Valid reports whether a is a known action.
func (a PolicyAction) Valid() bool {
	switch a {
	case ActionLog, ActionWarn, ActionAlert, ActionReject, ActionBlock:
		return true
	}
	return false
}

// Aborts reports whether the action stops the associated operation.
func (a PolicyAction) Aborts() bool {
	return a == ActionBlock || a == ActionReject
}

// PolicyRule is one condition/action pair inside a policy.
type PolicyRule struct {
	ID        string       `json:"id" yaml:"id"`
	Condition string       `json:"condition" yaml:"condition"`
	Action    PolicyAction `json:"action" yaml:"action"`
	Severity  Severity     `json:"severity" yaml:"severity"`
	Enabled   bool         `json:"enabled" yaml:"enabled"`
}

// SecurityPolicy is a named, ordered set of rules.
type SecurityPolicy struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity     `json:"severity" yaml:"severity"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	Rules       []PolicyRule `json:"rules" yaml:"rules"`
}

// Validate checks structural well-formedness. Condition syntax is checked by the engine.
func (p *SecurityPolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy %s: at least one rule is required", p.ID)
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, r := range p.Rules {
		if r.ID == "" {
			return fmt.Errorf("policy %s: rule %d has no id", p.ID, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("policy %s: duplicate rule id %s", p.ID, r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Condition == "" {
			return fmt.Errorf("policy %s: rule %s has an empty condition", p.ID, r.ID)
		}
		if !r.Action.Valid() {
			return fmt.Errorf("policy %s: rule %s has unknown action %q", p.ID, r.ID, r.Action)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate engine state.
func (p *SecurityPolicy) Clone() *SecurityPolicy {
	c := *p
	c.Rules = append([]PolicyRule(nil), p.Rules...)
	return &c
}

// PolicyViolation records a rule match. Severity is max(policy, rule).
type PolicyViolation struct {
	ID         string                 `json:"id"`
	PolicyID   string                 `json:"policy_id"`
	RuleID     string                 `json:"rule_id"`
	Severity   Severity               `json:"severity"`
	Action     PolicyAction           `json:"action"`
	Context    map[string]interface{} `json:"context,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// NewPolicyViolation builds a violation for rule of policy.
func NewPolicyViolation(policy *SecurityPolicy, rule PolicyRule, attrs map[string]interface{}, at time.Time) PolicyViolation {
	ctx := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		ctx[k] = v
	}
	return PolicyViolation{
		ID:         uuid.NewString(),
		PolicyID:   policy.ID,
		RuleID:     rule.ID,
		Severity:   MaxSeverity(policy.Severity, rule.Severity),
		Action:     rule.Action,
		Context:    ctx,
		DetectedAt: at.UTC(),
	}
}
