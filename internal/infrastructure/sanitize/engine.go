package sanitize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var _ service.ContentScanner = (*Engine)(nil)

// Result is the outcome of sanitizing one value.
type Result struct {
	Value    string          `json:"value"`
	IsClean  bool            `json:"is_clean"`
	Threats  []Threat        `json:"threats,omitempty"`
	Severity models.Severity `json:"severity"`
}

// Engine detects threats with a Registry and rewrites values with per-context strategies.
type Engine struct {
	registry   *Registry
	strategies map[ContextType]Strategy
	guard      *IPGuard
	metrics    service.Metrics
	logger     logger.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRegistry replaces the default detector registry.
func WithRegistry(r *Registry) Option { return func(e *Engine) { e.registry = r } }

// WithIPGuard enables the per-source-IP call guard.
func WithIPGuard(g *IPGuard) Option { return func(e *Engine) { e.guard = g } }

// WithMetrics records findings.
func WithMetrics(m service.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithStrategy overrides the strategy for one context.
func WithStrategy(ctxType ContextType, s Strategy) Option {
	return func(e *Engine) { e.strategies[ctxType] = s }
}

// NewEngine creates an engine with the default registry and strategies.
func NewEngine(log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:   NewDefaultRegistry(),
		strategies: DefaultStrategies(),
		metrics:    service.NoopMetrics{},
		logger:     log.WithComponent("Sanitizer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the detector registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Detect runs every detector over input without rewriting it.
func (e *Engine) Detect(input string) []Threat {
	threats := e.registry.Scan(input)
	for _, t := range threats {
		e.metrics.RecordContentThreat(t.Detector, t.Severity.String())
	}
	return threats
}

// Sanitize detects threats in input, then rewrites it for ctxType. Unknown contexts use the generic strategy.
// Sanitize(Sanitize(x).Value).Value equals Sanitize(x).Value.
func (e *Engine) Sanitize(input string, ctxType ContextType) Result {
	threats := e.Detect(input)
	severity := maxSeverity(threats)

	strategy, ok := e.strategies[ctxType]
	if !ok {
		strategy = e.strategies[ContextGeneric]
	}

	// The strict pass also runs when rewriting surfaced a high-severity pattern that was not in the input.
	value := fixpoint(strategy, input)
	strict := severity >= models.SeverityHigh
	for {
		if !strict && maxSeverity(e.registry.Scan(value)) < models.SeverityHigh {
			break
		}
		strict = true
		next := fixpoint(strictPass, value)
		if next == value {
			break
		}
		value = fixpoint(strategy, next)
	}

	return Result{Value: value, IsClean: len(threats) == 0, Threats: threats, Severity: severity}
}

// SanitizeFrom is Sanitize behind the per-IP guard. It returns ErrSanitizerRateExceeded when sourceIP
// has exhausted its allowance.
func (e *Engine) SanitizeFrom(ctx context.Context, sourceIP, input string, ctxType ContextType) (Result, error) {
	if err := e.Allow(ctx, sourceIP); err != nil {
		return Result{}, err
	}
	return e.Sanitize(input, ctxType), nil
}

// Allow consumes one call from sourceIP's allowance.
func (e *Engine) Allow(ctx context.Context, sourceIP string) error {
	if e.guard == nil || e.guard.Allow(sourceIP) {
		return nil
	}
	e.logger.Warn(ctx, "sanitizer call rate exceeded", logger.String("source_ip", sourceIP))
	return ErrSanitizerRateExceeded
}

// ScanQuery runs detectors over every query value.
func (e *Engine) ScanQuery(query url.Values) []Threat {
	var threats []Threat
	for _, values := range query {
		for _, v := range values {
			threats = append(threats, e.Detect(v)...)
		}
	}
	return threats
}

// ScanJSON decodes body and runs detectors over every string key and value, up to maxDepth levels.
// A body that is not well-formed JSON returns an error.
func (e *Engine) ScanJSON(body []byte, maxDepth int) ([]Threat, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("malformed JSON body: trailing data")
	}
	var threats []Threat
	if err := e.walk(doc, 0, maxDepth, &threats); err != nil {
		return nil, err
	}
	return threats, nil
}

func (e *Engine) walk(node interface{}, depth, maxDepth int, out *[]Threat) error {
	if maxDepth > 0 && depth > maxDepth {
		return fmt.Errorf("JSON body nested deeper than %d levels", maxDepth)
	}
	switch v := node.(type) {
	case string:
		*out = append(*out, e.Detect(v)...)
	case map[string]interface{}:
		for key, child := range v {
			*out = append(*out, e.Detect(key)...)
			if err := e.walk(child, depth+1, maxDepth, out); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range v {
			if err := e.walk(child, depth+1, maxDepth, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func maxSeverity(threats []Threat) models.Severity {
	s := models.SeverityInfo
	for _, t := range threats {
		s = models.MaxSeverity(s, t.Severity)
	}
	return s
}

// MaxSeverity returns the highest severity among threats, SeverityInfo when there are none.
func MaxSeverity(threats []Threat) models.Severity { return maxSeverity(threats) }
