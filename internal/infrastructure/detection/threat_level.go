package detection

import (
	"math"

	"github.com/turtacn/paygate/internal/domain/models"
)

// severityWeight scores recent threats when computing the active threat level.
var severityWeight = map[models.Severity]float64{
	models.SeverityInfo:     0,
	models.SeverityLow:      1,
	models.SeverityMedium:   3,
	models.SeverityHigh:     8,
	models.SeverityCritical: 20,
}

// LevelInputs are the signals behind the active threat level.
type LevelInputs struct {
	RecentThreats  []models.DetectedThreat
	ActiveProfiles int
	Backlog        int
	QueueCapacity  int
}

// ThreatLevel maps the inputs to a level from 1 (normal) to 5 (severe).
// Threat severity dominates; many active clients and a filling queue raise the score further.
func ThreatLevel(in LevelInputs) int {
	score := 0.0
	for _, t := range in.RecentThreats {
		score += severityWeight[t.Severity] * t.Confidence
	}
	if in.ActiveProfiles > 0 {
		score += math.Log10(float64(in.ActiveProfiles))
	}
	if in.QueueCapacity > 0 && in.Backlog > 0 {
		score += 10 * float64(in.Backlog) / float64(in.QueueCapacity)
	}

	switch {
	case score >= 60:
		return 5
	case score >= 30:
		return 4
	case score >= 12:
		return 3
	case score >= 4:
		return 2
	default:
		return 1
	}
}
