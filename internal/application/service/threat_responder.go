package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

// ThreatResponder applies the tiered automatic response for a detected threat.
type ThreatResponder struct {
	enforcer    domainService.Enforcer
	notifier    domainService.Notifier
	blockTTL    time.Duration
	throttleTTL time.Duration
	clock       domainService.Clock
	logger      logger.Logger
}

// NewThreatResponder creates a responder. enforcer and notifier may be nil, which skips those actions.
func NewThreatResponder(enforcer domainService.Enforcer, notifier domainService.Notifier, cfg config.DetectorConfig, clock domainService.Clock, log logger.Logger) *ThreatResponder {
	if clock == nil {
		clock = domainService.SystemClock{}
	}
	blockTTL := cfg.BlockTTL
	if blockTTL <= 0 {
		blockTTL = time.Hour
	}
	throttleTTL := cfg.ThrottleTTL
	if throttleTTL <= 0 {
		throttleTTL = 15 * time.Minute
	}
	return &ThreatResponder{
		enforcer:    enforcer,
		notifier:    notifier,
		blockTTL:    blockTTL,
		throttleTTL: throttleTTL,
		clock:       clock,
		logger:      log.WithComponent("ThreatResponder"),
	}
}

// Respond runs every action for threat.Severity against subject and returns the actions taken.
// A failed action does not stop the others.
func (r *ThreatResponder) Respond(ctx context.Context, subject string, threat models.DetectedThreat) ([]models.ResponseAction, error) {
	var (
		taken []models.ResponseAction
		errs  []error
	)
	for _, action := range models.ResponseActionsFor(threat.Severity) {
		if err := r.apply(ctx, action, subject, threat); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", action, err))
			continue
		}
		taken = append(taken, action)
	}
	err := errors.Join(errs...)
	if err != nil {
		r.logger.Error(ctx, "threat response incomplete", err,
			logger.String("threat_id", threat.ID),
			logger.String("subject", subject),
		)
	}
	return taken, err
}

func (r *ThreatResponder) apply(ctx context.Context, action models.ResponseAction, subject string, threat models.DetectedThreat) error {
	switch action {
	case models.ResponseBlock:
		if r.enforcer == nil {
			return nil
		}
		return r.enforcer.Block(ctx, subject, r.blockTTL, string(threat.Type))
	case models.ResponseStrictThrottle:
		if r.enforcer == nil {
			return nil
		}
		return r.enforcer.Throttle(ctx, subject, models.ThrottleStrict, r.throttleTTL)
	case models.ResponseThrottle:
		if r.enforcer == nil {
			return nil
		}
		return r.enforcer.Throttle(ctx, subject, models.ThrottleModerate, r.throttleTTL)
	case models.ResponseAlert, models.ResponseNotifyTeam:
		if r.notifier == nil {
			return nil
		}
		title := fmt.Sprintf("%s threat detected: %s", threat.Severity, threat.Type)
		if action == models.ResponseNotifyTeam {
			title = fmt.Sprintf("Critical threat from %s blocked: %s", subject, threat.Type)
		}
		return r.notifier.Notify(ctx, models.NewAlert(threat.Severity, "threat_detector", title, threat.Description, threat.ClientID, r.clock.Now()))
	default:
		r.logger.Info(ctx, "threat logged",
			logger.String("threat_type", string(threat.Type)),
			logger.String("subject", subject),
			logger.String("pattern_id", threat.PatternID),
			logger.Float64("confidence", threat.Confidence),
		)
		return nil
	}
}
