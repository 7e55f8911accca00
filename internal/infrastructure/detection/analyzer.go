package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var _ service.ThreatAnalyzer = (*Analyzer)(nil)

// activeWindow is how recently a profile must have been seen to count as active for the threat level.
const activeWindow = 5 * time.Minute

// Analyzer runs compiled patterns and behavioral checks for one event against its subject's profile.
type Analyzer struct {
	matchers []Matcher
	behavior *BehaviorAnalyzer
	profiles *ProfileStore
	cooldown time.Duration
	logger   logger.Logger
}

// NewAnalyzer compiles patterns and creates an analyzer. Patterns that fail to compile are skipped and
// reported through the returned error; the analyzer is usable either way.
func NewAnalyzer(cfg config.DetectorConfig, patterns []models.ThreatPattern, predicates *PredicateRegistry, log logger.Logger) (*Analyzer, error) {
	if predicates == nil {
		predicates = NewPredicateRegistry()
	}
	matchers, errs := CompileAll(patterns, predicates)
	capacity := cfg.ProfileCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	cooldown := cfg.AlertCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	a := &Analyzer{
		matchers: matchers,
		behavior: NewBehaviorAnalyzer(cfg),
		profiles: NewProfileStore(capacity),
		cooldown: cooldown,
		logger:   log.WithComponent("ThreatAnalyzer"),
	}
	return a, errors.Join(errs...)
}

// Patterns returns the compiled patterns.
func (a *Analyzer) Patterns() []models.ThreatPattern {
	out := make([]models.ThreatPattern, len(a.matchers))
	for i, m := range a.matchers {
		out[i] = m.Pattern
	}
	return out
}

// Analyze implements service.ThreatAnalyzer.
func (a *Analyzer) Analyze(event models.SecurityEvent, now time.Time) []models.DetectedThreat {
	var found []models.DetectedThreat
	a.profiles.With(SubjectOf(event), now, func(profile *models.ClientThreatProfile) {
		candidates := a.behavior.Observe(profile, event, now)
		for _, m := range a.matchers {
			if threat, ok := a.match(m, event, now); ok {
				candidates = append(candidates, threat)
			}
		}
		for _, t := range candidates {
			if profile.ShouldAlert(t.Type, t.Severity, now, a.cooldown) {
				found = append(found, t)
			}
		}
	})
	return found
}

// match runs one pattern, recovering from a panicking predicate so that a bad pattern only loses its own match.
func (a *Analyzer) match(m Matcher, event models.SecurityEvent, now time.Time) (threat models.DetectedThreat, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error(context.Background(), "threat pattern failed", fmt.Errorf("%v", r),
				logger.String("pattern_id", m.Pattern.ID),
				logger.String("event_id", event.ID),
			)
			ok = false
		}
	}()
	confidence, hit := m.Match(event)
	if !hit {
		return models.DetectedThreat{}, false
	}
	p := m.Pattern
	return models.NewDetectedThreat(p.Type, p.Severity, confidence, event, p.ID, p.Description, now), true
}

// ThreatLevel implements service.ThreatAnalyzer.
func (a *Analyzer) ThreatLevel(recent []models.DetectedThreat, backlog, capacity int, now time.Time) int {
	return ThreatLevel(LevelInputs{
		RecentThreats:  recent,
		ActiveProfiles: a.profiles.ActiveSince(now.Add(-activeWindow)),
		Backlog:        backlog,
		QueueCapacity:  capacity,
	})
}

// Prune implements service.ThreatAnalyzer.
func (a *Analyzer) Prune(cutoff time.Time) int {
	return a.profiles.Prune(cutoff)
}

// Profiles returns the number of tracked subjects.
func (a *Analyzer) Profiles() int { return a.profiles.Len() }
