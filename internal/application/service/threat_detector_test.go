package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/domain/service/mocks"
	"github.com/turtacn/paygate/internal/infrastructure/detection"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/logger"
)

func failedEvent(ip string, at time.Time) models.SecurityEvent {
	e := models.NewSecurityEvent(constants.SourceHTTPGate, "", ip, at)
	e.Outcome = models.OutcomeBlocked
	e.Tags = []string{constants.TagFailed}
	return e
}

func newTestDetector(t *testing.T, cfg config.DetectorConfig, enforcer domainService.Enforcer, notifier domainService.Notifier) (*ThreatDetector, *scheduler.ManualScheduler) {
	t.Helper()
	clock := scheduler.NewManualScheduler(t0)
	log := logger.NewNoopLogger()
	analyzer, err := detection.NewAnalyzer(cfg, nil, nil, log)
	require.NoError(t, err)
	responder := NewThreatResponder(enforcer, notifier, cfg, clock, log)
	return NewThreatDetector(cfg, analyzer, responder, nil, clock, log), clock
}

func TestThreatDetector_BruteForce(t *testing.T) {
	cfg := config.LoadDefaultConfig().Detector
	enforcer := new(mocks.MockEnforcer)
	enforcer.On("Throttle", mock.Anything, "203.0.113.9", models.ThrottleStrict, 15*time.Minute).Return(nil).Once()
	notifier := new(mocks.MockNotifier)
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(a models.Alert) bool {
		return a.Severity == models.SeverityHigh && a.Source == "threat_detector"
	})).Return(nil).Once()

	detector, clock := newTestDetector(t, cfg, enforcer, notifier)
	var handled []models.ResponseAction
	detector.OnThreat(func(_ context.Context, threat models.DetectedThreat, _ models.SecurityEvent, responses []models.ResponseAction) {
		assert.Equal(t, models.ThreatBruteForce, threat.Type)
		handled = responses
	})

	for i := 0; i < 8; i++ {
		require.True(t, detector.Enqueue(failedEvent("203.0.113.9", t0.Add(time.Duration(i)*10*time.Second))))
	}
	clock.Set(t0.Add(2 * time.Minute))
	processed, err := detector.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, processed)

	recent := detector.RecentThreats()
	require.Len(t, recent, 1, "the cooldown suppresses repeats")
	assert.Equal(t, models.SeverityHigh, recent[0].Severity)
	assert.Equal(t, []models.ResponseAction{models.ResponseStrictThrottle, models.ResponseAlert}, handled)
	assert.Equal(t, 2, detector.Level())

	enforcer.AssertExpectations(t)
	notifier.AssertExpectations(t)

	clock.Set(t0.Add(30 * time.Minute))
	_, err = detector.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, detector.RecentThreats(), "threats age out of the level window")
	assert.Equal(t, 1, detector.Level())
}

func TestThreatDetector_QueueBounds(t *testing.T) {
	cfg := config.LoadDefaultConfig().Detector
	cfg.QueueSize = 3
	cfg.BatchSize = 2
	detector, _ := newTestDetector(t, cfg, nil, nil)

	for i := 0; i < 3; i++ {
		require.True(t, detector.Enqueue(models.NewSecurityEvent(constants.SourceHTTPGate, "acme", "198.51.100.7", t0)))
	}
	assert.False(t, detector.Enqueue(models.NewSecurityEvent(constants.SourceHTTPGate, "acme", "198.51.100.7", t0)))
	assert.Equal(t, int64(1), detector.Dropped())

	attrs := detector.Attributes()["detector"].(map[string]interface{})
	assert.Equal(t, 3, attrs["queue_depth"])
	assert.InDelta(t, 1.0, attrs["queue_utilization"], 1e-9)

	n, err := detector.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "batches are bounded")
	require.NoError(t, detector.Drain(context.Background()))
	assert.Zero(t, detector.QueueDepth())
}

func TestThreatDetector_Schedules(t *testing.T) {
	cfg := config.LoadDefaultConfig().Detector
	detector, clock := newTestDetector(t, cfg, nil, nil)
	detector.Start(clock)
	assert.ElementsMatch(t, []string{"threat-detector", "threat-profile-prune"}, clock.Tasks())

	detector.Publish(failedEvent("203.0.113.9", t0))
	clock.Advance(cfg.Interval)
	assert.Zero(t, detector.QueueDepth(), "the scheduled batch drained the queue")
}

func TestThreatResponder_Critical(t *testing.T) {
	cfg := config.LoadDefaultConfig().Detector
	clock := scheduler.NewManualScheduler(t0)
	enforcer := new(mocks.MockEnforcer)
	enforcer.On("Block", mock.Anything, "initech", time.Hour, string(models.ThreatDoS)).Return(fmt.Errorf("directive topic unavailable")).Once()
	notifier := new(mocks.MockNotifier)
	notifier.On("Notify", mock.Anything, mock.AnythingOfType("models.Alert")).Return(nil).Once()

	responder := NewThreatResponder(enforcer, notifier, cfg, clock, logger.NewNoopLogger())
	threat := models.NewDetectedThreat(models.ThreatDoS, models.SeverityCritical, 0.95,
		models.NewSecurityEvent(constants.SourceHTTPGate, "initech", "203.0.113.20", t0), detection.PatternDoS, "flood", t0)

	taken, err := responder.Respond(context.Background(), "initech", threat)
	assert.Error(t, err)
	assert.Equal(t, []models.ResponseAction{models.ResponseNotifyTeam}, taken, "a failed block does not stop the notification")
	enforcer.AssertExpectations(t)
	notifier.AssertExpectations(t)

	low := models.NewDetectedThreat(models.ThreatAnomaly, models.SeverityLow, 0.4, models.SecurityEvent{}, "p", "d", t0)
	taken, err = NewThreatResponder(nil, nil, cfg, clock, logger.NewNoopLogger()).Respond(context.Background(), "acme", low)
	require.NoError(t, err)
	assert.Equal(t, []models.ResponseAction{models.ResponseLog}, taken)
}
