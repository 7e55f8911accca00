package detection

import (
	"fmt"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/constants"
)

// Behavioral pattern IDs.
const (
	PatternBruteForce    = "behavior-brute-force"
	PatternDoS           = "behavior-request-flood"
	PatternAnomalousSize = "behavior-anomalous-size"
)

// BehaviorAnalyzer checks one client's profile after each event.
type BehaviorAnalyzer struct {
	bruteForceThreshold int
	bruteForceWindow    time.Duration
	dosHigh             int
	dosCritical         int
	sizeMultiplier      float64
	sizeMinSamples      int64
}

// NewBehaviorAnalyzer reads thresholds from cfg.
func NewBehaviorAnalyzer(cfg config.DetectorConfig) *BehaviorAnalyzer {
	a := &BehaviorAnalyzer{
		bruteForceThreshold: cfg.BruteForceThreshold,
		bruteForceWindow:    cfg.BruteForceWindow,
		dosHigh:             cfg.DoSHighPerMinute,
		dosCritical:         cfg.DoSCriticalPerMinute,
		sizeMultiplier:      cfg.SizeMultiplier,
		sizeMinSamples:      int64(cfg.SizeMinSamples),
	}
	if a.bruteForceThreshold <= 0 {
		a.bruteForceThreshold = 5
	}
	if a.bruteForceWindow <= 0 {
		a.bruteForceWindow = 5 * time.Minute
	}
	if a.dosHigh <= 0 {
		a.dosHigh = 100
	}
	if a.dosCritical <= a.dosHigh {
		a.dosCritical = 5 * a.dosHigh
	}
	if a.sizeMultiplier <= 1 {
		a.sizeMultiplier = 3
	}
	if a.sizeMinSamples <= 0 {
		a.sizeMinSamples = 10
	}
	return a
}

// Observe records event into profile and returns the behavioral threats it triggers. Windows are measured
// back from the event's own timestamp. The size check runs against the average before this event is
// folded in. Callers hold the profile lock.
func (a *BehaviorAnalyzer) Observe(profile *models.ClientThreatProfile, event models.SecurityEvent, now time.Time) []models.DetectedThreat {
	size, hasSize := event.PayloadInt(models.PayloadSize)
	profile.Record(models.ProfileEntry{
		EventID:     event.ID,
		At:          event.Timestamp,
		Failed:      event.HasTag(constants.TagFailed),
		PayloadSize: size,
	})

	var threats []models.DetectedThreat

	if event.HasTag(constants.TagFailed) {
		failures := profile.CountSince(event.Timestamp.Add(-a.bruteForceWindow), true)
		if failures >= a.bruteForceThreshold {
			confidence := 0.7 + 0.3*float64(failures-a.bruteForceThreshold)/float64(a.bruteForceThreshold)
			threats = append(threats, models.NewDetectedThreat(models.ThreatBruteForce, models.SeverityHigh, confidence, event,
				PatternBruteForce, fmt.Sprintf("%d failed requests within %s", failures, a.bruteForceWindow), now))
		}
	}

	perMinute := profile.CountSince(event.Timestamp.Add(-time.Minute), false)
	switch {
	case perMinute >= a.dosCritical:
		threats = append(threats, models.NewDetectedThreat(models.ThreatDoS, models.SeverityCritical, 0.95, event,
			PatternDoS, fmt.Sprintf("%d requests in the last minute", perMinute), now))
	case perMinute >= a.dosHigh:
		confidence := 0.6 + 0.3*float64(perMinute-a.dosHigh)/float64(a.dosCritical-a.dosHigh)
		threats = append(threats, models.NewDetectedThreat(models.ThreatDoS, models.SeverityHigh, confidence, event,
			PatternDoS, fmt.Sprintf("%d requests in the last minute", perMinute), now))
	}

	if hasSize && size > 0 {
		mean, samples := profile.AverageSize()
		if samples >= a.sizeMinSamples && mean > 0 && float64(size) > a.sizeMultiplier*mean {
			ratio := float64(size) / mean
			threats = append(threats, models.NewDetectedThreat(models.ThreatAnomalousSize, models.SeverityMedium,
				0.5+0.1*(ratio-a.sizeMultiplier), event, PatternAnomalousSize,
				fmt.Sprintf("payload of %d bytes is %.1fx the client average", size, ratio), now))
		}
		profile.ObserveSize(size)
	}

	return threats
}
