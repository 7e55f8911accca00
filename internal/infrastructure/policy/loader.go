package policy

import (
	"fmt"
	"os"

	"github.com/turtacn/paygate/internal/domain/models"
	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk layout:
//
//	policies:
//	  - id: transport-security
//	    name: Transport security
//	    severity: high
//	    enabled: true
//	    rules:
//	      - id: https_required
//	        condition: protocol == "http" AND destination_external == true
//	        action: block
//	        enabled: true
type policyFile struct {
	Policies []*models.SecurityPolicy `yaml:"policies"`
}

// LoadPolicies reads policies from a YAML file.
// LoadPolicies 从 YAML 文件读取策略。
func LoadPolicies(path string) ([]*models.SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies decodes and compiles every policy, so a bad condition fails the load rather than evaluation.
func ParsePolicies(data []byte) ([]*models.SecurityPolicy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy file: %w", err)
	}
	for _, p := range doc.Policies {
		if _, err := compilePolicy(p); err != nil {
			return nil, err
		}
	}
	return doc.Policies, nil
}

// DefaultPolicies is the built-in policy set used when no file is configured.
func DefaultPolicies() []*models.SecurityPolicy {
	return []*models.SecurityPolicy{
		{
			ID:          "transport-security",
			Name:        "Transport security",
			Description: "Payment data must never leave the gateway over plain HTTP.",
			Severity:    models.SeverityHigh,
			Enabled:     true,
			Rules: []models.PolicyRule{
				{
					ID:        "https_required",
					Condition: `protocol == "http" AND destination_external == true`,
					Action:    models.ActionBlock,
					Severity:  models.SeverityHigh,
					Enabled:   true,
				},
			},
		},
		{
			ID:       "content-threats",
			Name:     "Content threats",
			Severity: models.SeverityMedium,
			Enabled:  true,
			Rules: []models.PolicyRule{
				{
					ID:        "cardholder_data_in_request",
					Condition: `content_threats CONTAINS "card_number" OR content_threats CONTAINS "ssn_like"`,
					Action:    models.ActionAlert,
					Severity:  models.SeverityHigh,
					Enabled:   true,
				},
			},
		},
		{
			ID:       "gate-abuse",
			Name:     "Gate abuse",
			Severity: models.SeverityMedium,
			Enabled:  true,
			Rules: []models.PolicyRule{
				{
					ID:        "failed_auth_spike",
					Condition: `gate.failed_auth >= 50`,
					Action:    models.ActionAlert,
					Severity:  models.SeverityHigh,
					Enabled:   true,
				},
				{
					ID:        "block_ratio_high",
					Condition: `gate.requests >= 100 AND gate.block_ratio >= 0.5`,
					Action:    models.ActionWarn,
					Enabled:   true,
				},
			},
		},
		{
			ID:       "resource-usage",
			Name:     "Resource usage",
			Severity: models.SeverityLow,
			Enabled:  true,
			Rules: []models.PolicyRule{
				{
					ID:        "memory_pressure",
					Condition: `system.memory_percent >= 90`,
					Action:    models.ActionAlert,
					Severity:  models.SeverityMedium,
					Enabled:   true,
				},
				{
					ID:        "detector_backlog",
					Condition: `detector.queue_depth > 0 AND detector.queue_utilization >= 0.8`,
					Action:    models.ActionWarn,
					Severity:  models.SeverityMedium,
					Enabled:   true,
				},
				{
					ID:        "threat_level_elevated",
					Condition: `detector.threat_level >= 4`,
					Action:    models.ActionAlert,
					Severity:  models.SeverityHigh,
					Enabled:   true,
				},
			},
		},
	}
}
