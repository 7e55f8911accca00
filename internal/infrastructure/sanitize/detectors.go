// Package sanitize detects injected content in request values and neutralizes it per output context.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/turtacn/paygate/internal/domain/models"
)

// Threat is one detector match in an input value.
type Threat = models.ContentThreat

// MatchFunc reports the first offending excerpt of input, if any.
type MatchFunc func(input string) (string, bool)

// Detector is a named, independently testable predicate.
type Detector struct {
	Name     string
	Type     models.ThreatType
	Severity models.Severity
	Match    MatchFunc
}

// RegexDetector builds a detector matching any of patterns.
func RegexDetector(name string, threatType models.ThreatType, severity models.Severity, patterns ...string) Detector {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return Detector{
		Name:     name,
		Type:     threatType,
		Severity: severity,
		Match: func(input string) (string, bool) {
			for _, re := range compiled {
				if m := re.FindString(input); m != "" {
					return m, true
				}
			}
			return "", false
		},
	}
}

// Registry holds detectors by name.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// NewDefaultRegistry creates a registry holding the built-in and custom detectors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range BuiltinDetectors() {
		r.MustRegister(d)
	}
	for _, d := range CustomDetectors() {
		r.MustRegister(d)
	}
	return r
}

// Register adds d. Names are unique.
func (r *Registry) Register(d Detector) error {
	if d.Name == "" || d.Match == nil {
		return fmt.Errorf("detector requires a name and a match function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[d.Name]; exists {
		return fmt.Errorf("detector %q already registered", d.Name)
	}
	r.detectors[d.Name] = d
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(d Detector) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Unregister removes the detector called name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.detectors, name)
}

// Get returns the detector called name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns the registered detector names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scan runs every detector over input. Results are ordered by detector name.
func (r *Registry) Scan(input string) []Threat {
	if input == "" {
		return nil
	}
	var threats []Threat
	for _, name := range r.Names() {
		d, ok := r.Get(name)
		if !ok {
			continue
		}
		if m, hit := d.Match(input); hit {
			threats = append(threats, Threat{Detector: d.Name, Type: d.Type, Severity: d.Severity, Match: m})
		}
	}
	return threats
}

// ================================================================================
// Built-in Detectors
// ================================================================================

// BuiltinDetectors returns the injection detectors.
func BuiltinDetectors() []Detector {
	return []Detector{
		RegexDetector("script_tag", models.ThreatXSS, models.SeverityHigh,
			`(?i)<\s*script\b`,
			`(?i)<\s*/\s*script\s*>`,
			`(?i)<\s*(iframe|object|embed|applet)\b`,
		),
		RegexDetector("event_handler", models.ThreatXSS, models.SeverityHigh,
			`(?i)\bon(load|error|click|dblclick|mouse[a-z]*|focus[a-z]*|blur|key[a-z]+|submit|change|input|abort|animation[a-z]+|toggle|pointer[a-z]+|touch[a-z]+|drag[a-z]*|drop|wheel|scroll|resize|unload|beforeunload|hashchange|message|pageshow|select|begin|end)\s*=`,
		),
		RegexDetector("javascript_uri", models.ThreatXSS, models.SeverityHigh,
			`(?i)(javascript|vbscript)\s*:`,
			`(?i)data\s*:\s*text/html`,
		),
		RegexDetector("sql_injection", models.ThreatInjection, models.SeverityHigh,
			`(?i)\bunion\b\s+(all\s+)?select\b`,
			`(?i)'\s*(or|and)\s+['"]?\w+['"]?\s*(=|like\b)`,
			`(?i);\s*(drop|delete|insert|update|alter|create|truncate|exec)\b`,
			`(?i)\b(drop|truncate)\s+table\b`,
			`'\s*(--|#|/\*)`,
			`(?i)\b(sleep|benchmark)\s*\(|\bwaitfor\s+delay\b`,
		),
		RegexDetector("xml_entity", models.ThreatXMLEntity, models.SeverityMedium,
			`(?i)<!\s*(entity|doctype)\b`,
			`(?i)\bsystem\s+["'](file|https?|ftp)://`,
		),
		RegexDetector("path_traversal", models.ThreatPathTraversal, models.SeverityHigh,
			`\.\.[/\\]`,
			`(?i)%2e%2e(%2f|%5c|/|\\)`,
			`(?i)%252e%252e`,
			`(?i)%c0%af|%c1%9c`,
		),
		RegexDetector("command_injection", models.ThreatCommandInject, models.SeverityHigh,
			"(?i)[;&|]\\s*(rm|cat|curl|wget|bash|sh|nc|python|perl|chmod|id|whoami)\\b",
			`\$\(`,
			"`[^`]*`",
			`\$\{`,
		),
		RegexDetector("ldap_injection", models.ThreatLDAPInjection, models.SeverityMedium,
			`\*\)\s*\(`,
			`\)\s*\(\s*[|&!]`,
			`\(\s*[|&]\s*\(`,
		),
	}
}

// ================================================================================
// Custom Rules
// ================================================================================

var (
	dangerousExtension = regexp.MustCompile(`(?i)\.(exe|bat|cmd|com|scr|ps1|vbs|jar|sh|php|jsp|aspx?|dll|msi)$`)
	cardCandidate      = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	ssnPattern         = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// CustomDetectors returns the payment-domain rules: dangerous file extensions, card numbers and SSN-like values.
func CustomDetectors() []Detector {
	return []Detector{
		{
			Name:     "dangerous_extension",
			Type:     models.ThreatDangerousFile,
			Severity: models.SeverityMedium,
			Match: func(input string) (string, bool) {
				m := dangerousExtension.FindString(strings.TrimSpace(input))
				return m, m != ""
			},
		},
		{
			Name:     "card_number",
			Type:     models.ThreatSensitiveData,
			Severity: models.SeverityLow,
			Match: func(input string) (string, bool) {
				for _, candidate := range cardCandidate.FindAllString(input, -1) {
					digits := strings.NewReplacer(" ", "", "-", "").Replace(candidate)
					if len(digits) >= 13 && len(digits) <= 19 && LuhnValid(digits) {
						return maskDigits(digits), true
					}
				}
				return "", false
			},
		},
		{
			Name:     "ssn_like",
			Type:     models.ThreatSensitiveData,
			Severity: models.SeverityLow,
			Match: func(input string) (string, bool) {
				if ssnPattern.MatchString(input) {
					return "***-**-****", true
				}
				return "", false
			},
		},
	}
}

// LuhnValid checks the Luhn checksum of a digit string.
func LuhnValid(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

func maskDigits(digits string) string {
	if len(digits) <= 4 {
		return digits
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}
