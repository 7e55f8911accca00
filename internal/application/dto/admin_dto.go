package dto

import (
	"fmt"
	"strings"
	"time"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/utils"
)

// PolicyRuleRequest is one rule of a PolicyRequest.
type PolicyRuleRequest struct {
	ID        string `json:"id" validate:"required,max=64,printascii"`
	Condition string `json:"condition" validate:"required"`
	Action    string `json:"action" validate:"required"`
	Severity  string `json:"severity,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
}

// PolicyRequest creates or replaces a security policy through the admin API.
type PolicyRequest struct {
	ID          string              `json:"id" validate:"required,max=64,printascii"`
	Name        string              `json:"name" validate:"max=128"`
	Description string              `json:"description,omitempty"`
	Severity    string              `json:"severity,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
	Rules       []PolicyRuleRequest `json:"rules" validate:"required,min=1,dive"`
}

// ToModel validates the request shape and converts it. Omitted enabled flags default to true and omitted
// severities to low. Conditions are compiled later by the policy engine.
func (r *PolicyRequest) ToModel() (*models.SecurityPolicy, error) {
	if err := utils.ValidateStruct(r); err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.ID) == "" {
		return nil, errors.ErrValidation("policy id is required")
	}
	severity, err := parseSeverity(r.Severity)
	if err != nil {
		return nil, errors.ErrValidation(err.Error())
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	p := &models.SecurityPolicy{
		ID:          r.ID,
		Name:        name,
		Description: r.Description,
		Severity:    severity,
		Enabled:     enabledOrDefault(r.Enabled),
	}
	for _, rr := range r.Rules {
		action := models.PolicyAction(strings.ToLower(rr.Action))
		if !action.Valid() {
			return nil, errors.ErrValidation(fmt.Sprintf("rule %s: unknown action %q", rr.ID, rr.Action))
		}
		ruleSeverity, err := parseSeverity(rr.Severity)
		if err != nil {
			return nil, errors.ErrValidation(fmt.Sprintf("rule %s: %v", rr.ID, err))
		}
		p.Rules = append(p.Rules, models.PolicyRule{
			ID:        rr.ID,
			Condition: rr.Condition,
			Action:    action,
			Severity:  ruleSeverity,
			Enabled:   enabledOrDefault(rr.Enabled),
		})
	}
	return p, nil
}

// ThreatLevelResponse is the body of GET /admin/v1/threat-level.
type ThreatLevelResponse struct {
	Level         int                     `json:"level"`
	QueueDepth    int                     `json:"queue_depth"`
	QueueCapacity int                     `json:"queue_capacity"`
	Dropped       int64                   `json:"dropped_events"`
	RecentThreats []models.DetectedThreat `json:"recent_threats"`
}

// BlockResponse lists one active dynamic block.
type BlockResponse struct {
	Subject string    `json:"subject"`
	Until   time.Time `json:"until"`
}

func parseSeverity(s string) (models.Severity, error) {
	if s == "" {
		return models.SeverityLow, nil
	}
	return models.ParseSeverity(s)
}

func enabledOrDefault(b *bool) bool {
	return b == nil || *b
}
