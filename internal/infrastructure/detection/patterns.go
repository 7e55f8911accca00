// Package detection provides threat patterns, behavioral checks and client profiles
// evaluated by the asynchronous threat detector.
package detection

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
	"gopkg.in/yaml.v3"
)

// Predicate decides whether an event matches a behavioral pattern.
type Predicate func(event models.SecurityEvent) bool

// PredicateRegistry holds named predicates referenced by behavioral patterns.
type PredicateRegistry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

// NewPredicateRegistry creates a registry holding the built-in predicates.
func NewPredicateRegistry() *PredicateRegistry {
	r := &PredicateRegistry{predicates: make(map[string]Predicate)}
	r.Register("failed", func(e models.SecurityEvent) bool { return e.HasTag(constants.TagFailed) })
	r.Register("suspicious", func(e models.SecurityEvent) bool { return e.HasTag(constants.TagSuspicious) })
	r.Register("content_threat", func(e models.SecurityEvent) bool { return e.HasTag(constants.TagContentThreat) })
	r.Register("blocked", func(e models.SecurityEvent) bool { return e.Outcome == models.OutcomeBlocked })
	r.Register("csp_violation", func(e models.SecurityEvent) bool { return e.Source == constants.SourceCSPReport })
	return r
}

// Register adds or replaces the predicate called name.
func (r *PredicateRegistry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// Get returns the predicate called name.
func (r *PredicateRegistry) Get(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Names lists the registered predicates.
func (r *PredicateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.predicates))
	for n := range r.predicates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ================================================================================
// Compiled Patterns
// ================================================================================

// Matcher is a compiled ThreatPattern. Match returns the confidence of a hit.
type Matcher struct {
	Pattern models.ThreatPattern
	match   func(event models.SecurityEvent) (float64, bool)
}

// Match evaluates the pattern against event.
func (m Matcher) Match(event models.SecurityEvent) (float64, bool) {
	return m.match(event)
}

// Compile turns a pattern into a Matcher using predicates for behavioral patterns.
func Compile(p models.ThreatPattern, predicates *PredicateRegistry) (Matcher, error) {
	if p.ID == "" {
		return Matcher{}, fmt.Errorf("threat pattern without id")
	}
	switch p.Kind {
	case models.PatternKindPattern:
		return compileRegex(p)
	case models.PatternKindThreshold:
		if p.Field == "" {
			return Matcher{}, fmt.Errorf("threshold pattern %s needs a field", p.ID)
		}
		return Matcher{Pattern: p, match: func(e models.SecurityEvent) (float64, bool) {
			v, ok := numericField(e, p.Field)
			if !ok || v < p.Threshold {
				return 0, false
			}
			if p.Threshold <= 0 {
				return 1, true
			}
			return models.ClampUnit(0.5 + 0.5*(v-p.Threshold)/p.Threshold), true
		}}, nil
	case models.PatternKindBehavioral:
		var preds []Predicate
		for _, name := range p.MatchRules {
			pred, ok := predicates.Get(name)
			if !ok {
				return Matcher{}, fmt.Errorf("pattern %s references unknown predicate %q", p.ID, name)
			}
			preds = append(preds, pred)
		}
		if len(preds) == 0 {
			return Matcher{}, fmt.Errorf("behavioral pattern %s has no predicates", p.ID)
		}
		return Matcher{Pattern: p, match: func(e models.SecurityEvent) (float64, bool) {
			for _, pred := range preds {
				if !pred(e) {
					return 0, false
				}
			}
			return 0.8, true
		}}, nil
	default:
		return Matcher{}, fmt.Errorf("pattern %s has unknown kind %q", p.ID, p.Kind)
	}
}

func compileRegex(p models.ThreatPattern) (Matcher, error) {
	res := make([]*regexp.Regexp, 0, len(p.MatchRules))
	for _, rule := range p.MatchRules {
		re, err := regexp.Compile(rule)
		if err != nil {
			return Matcher{}, fmt.Errorf("pattern %s: %w", p.ID, err)
		}
		res = append(res, re)
	}
	if len(res) == 0 {
		return Matcher{}, fmt.Errorf("pattern %s has no match rules", p.ID)
	}
	return Matcher{Pattern: p, match: func(e models.SecurityEvent) (float64, bool) {
		values := stringFields(e, p.Field)
		hits := 0
		for _, re := range res {
			for _, v := range values {
				if re.MatchString(v) {
					hits++
					break
				}
			}
		}
		if hits == 0 {
			return 0, false
		}
		return models.ClampUnit(0.6 + 0.4*float64(hits)/float64(len(res))), true
	}}, nil
}

// stringFields returns the value of field, or every string attribute when field is empty.
func stringFields(e models.SecurityEvent, field string) []string {
	attrs := e.Attributes()
	if field != "" {
		switch v := attrs[field].(type) {
		case string:
			return []string{v}
		case []string:
			return v
		default:
			return nil
		}
	}
	var out []string
	for _, v := range attrs {
		switch s := v.(type) {
		case string:
			out = append(out, s)
		case []string:
			out = append(out, s...)
		}
	}
	return out
}

func numericField(e models.SecurityEvent, field string) (float64, bool) {
	switch v := e.Attributes()[field].(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ================================================================================
// Pattern Sources
// ================================================================================

// BuiltinPatterns are the signature and threshold patterns loaded at start.
func BuiltinPatterns() []models.ThreatPattern {
	return []models.ThreatPattern{
		{
			ID:          "scanner-user-agent",
			Type:        models.ThreatScanner,
			Kind:        models.PatternKindPattern,
			Severity:    models.SeverityMedium,
			Field:       models.PayloadUserAgent,
			MatchRules:  []string{`(?i)sqlmap|nikto|nmap|masscan|zgrab|dirbuster|gobuster|wpscan|nuclei`},
			Description: "request from a known vulnerability scanner",
		},
		{
			ID:          "probe-paths",
			Type:        models.ThreatScanner,
			Kind:        models.PatternKindPattern,
			Severity:    models.SeverityLow,
			Field:       models.PayloadPath,
			MatchRules:  []string{`(?i)/(\.env|\.git|wp-admin|wp-login\.php|phpmyadmin|server-status|actuator)\b`},
			Description: "probe for common administrative or leaked paths",
		},
		{
			ID:          "content-injection",
			Type:        models.ThreatInjection,
			Kind:        models.PatternKindBehavioral,
			Severity:    models.SeverityHigh,
			MatchRules:  []string{"content_threat", "blocked"},
			Description: "request rejected for injected content",
		},
		{
			ID:          "anomaly-score",
			Type:        models.ThreatAnomaly,
			Kind:        models.PatternKindThreshold,
			Severity:    models.SeverityMedium,
			Field:       models.PayloadAnomalyScore,
			Threshold:   0.85,
			Description: "request anomaly score above the block threshold",
		},
	}
}

type patternFile struct {
	Patterns []models.ThreatPattern `yaml:"patterns"`
}

// LoadPatterns reads additional patterns from a YAML file.
func LoadPatterns(path string) ([]models.ThreatPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threat patterns: %w", err)
	}
	return ParsePatterns(data)
}

// ParsePatterns decodes a YAML pattern document.
func ParsePatterns(data []byte) ([]models.ThreatPattern, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse threat patterns: %w", err)
	}
	for i := range file.Patterns {
		file.Patterns[i].ID = strings.TrimSpace(file.Patterns[i].ID)
	}
	return file.Patterns, nil
}

// CompileAll compiles patterns, skipping those that fail. Failures are returned alongside the matchers.
func CompileAll(patterns []models.ThreatPattern, predicates *PredicateRegistry) ([]Matcher, []error) {
	var (
		matchers []Matcher
		errs     []error
	)
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate pattern id %q", p.ID))
			continue
		}
		m, err := Compile(p, predicates)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen[p.ID] = true
		matchers = append(matchers, m)
	}
	return matchers, errs
}
