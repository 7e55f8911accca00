package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/logger"
)

// recentThreatWindow bounds the threats that feed the active threat level.
const recentThreatWindow = 15 * time.Minute

// ThreatHandler observes every threat the detector reports, after the automatic response ran.
type ThreatHandler func(ctx context.Context, threat models.DetectedThreat, event models.SecurityEvent, responses []models.ResponseAction)

// ThreatDetector drains security events in bounded batches, analyzes them and responds to threats.
type ThreatDetector struct {
	queue     chan models.SecurityEvent
	batchSize int
	interval  time.Duration
	retention time.Duration

	analyzer  domainService.ThreatAnalyzer
	responder *ThreatResponder
	metrics   domainService.Metrics
	clock     domainService.Clock
	logger    logger.Logger

	// batchMu serializes batches so shutdown can wait for the one in flight.
	batchMu sync.Mutex

	mu       sync.RWMutex
	recent   []models.DetectedThreat
	handlers []ThreatHandler

	level   atomic.Int32
	dropped atomic.Int64
}

// NewThreatDetector creates a detector with a queue of cfg.QueueSize events.
func NewThreatDetector(cfg config.DetectorConfig, analyzer domainService.ThreatAnalyzer, responder *ThreatResponder, metrics domainService.Metrics, clock domainService.Clock, log logger.Logger) *ThreatDetector {
	if metrics == nil {
		metrics = domainService.NoopMetrics{}
	}
	if clock == nil {
		clock = domainService.SystemClock{}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = constants.DefaultDetectorBatchSize
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	retention := cfg.ProfileRetention
	if retention <= 0 {
		retention = constants.DefaultProfileRetention
	}
	d := &ThreatDetector{
		queue:     make(chan models.SecurityEvent, queueSize),
		batchSize: batchSize,
		interval:  interval,
		retention: retention,
		analyzer:  analyzer,
		responder: responder,
		metrics:   metrics,
		clock:     clock,
		logger:    log.WithComponent("ThreatDetector"),
	}
	d.level.Store(1)
	return d
}

// OnThreat registers a handler for detected threats.
func (d *ThreatDetector) OnThreat(h ThreatHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Enqueue queues event without blocking. It reports false when the queue is full and the event was dropped.
func (d *ThreatDetector) Enqueue(event models.SecurityEvent) bool {
	select {
	case d.queue <- event:
		return true
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			d.logger.Warn(context.Background(), "threat detector queue full, dropping events", logger.Int64("dropped_total", n))
		}
		return false
	}
}

// Publish implements service.EventSink.
func (d *ThreatDetector) Publish(event models.SecurityEvent) { d.Enqueue(event) }

// Start registers the batch and prune tasks with scheduler.
func (d *ThreatDetector) Start(scheduler domainService.Scheduler) {
	scheduler.RunEvery("threat-detector", d.interval, func(ctx context.Context) error {
		_, err := d.ProcessBatch(ctx)
		return err
	})
	scheduler.RunEvery("threat-profile-prune", 10*time.Minute, d.Prune)
}

// ProcessBatch analyzes up to one batch of queued events and returns how many it took. A started batch is
// always finished, even when ctx is cancelled, so shutdown does not lose dequeued events.
func (d *ThreatDetector) ProcessBatch(ctx context.Context) (int, error) {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()

	respondCtx := context.WithoutCancel(ctx)
	processed := 0
	var found []models.DetectedThreat
drain:
	for processed < d.batchSize {
		select {
		case event := <-d.queue:
			processed++
			found = append(found, d.analyze(respondCtx, event)...)
		default:
			break drain
		}
	}

	now := d.clock.Now()
	d.mu.Lock()
	d.recent = append(d.recent, found...)
	cutoff := now.Add(-recentThreatWindow)
	kept := d.recent[:0]
	for _, t := range d.recent {
		if !t.Timestamp.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	d.recent = kept
	recent := append([]models.DetectedThreat(nil), kept...)
	d.mu.Unlock()

	backlog := len(d.queue)
	level := d.analyzer.ThreatLevel(recent, backlog, cap(d.queue), now)
	if previous := d.level.Swap(int32(level)); int(previous) != level {
		d.logger.Info(ctx, "active threat level changed", logger.Int("from", int(previous)), logger.Int("to", level))
	}
	d.metrics.SetThreatLevel(level)
	d.metrics.SetDetectorQueueDepth(backlog)
	return processed, nil
}

func (d *ThreatDetector) analyze(ctx context.Context, event models.SecurityEvent) []models.DetectedThreat {
	threats := d.analyzer.Analyze(event, d.clock.Now())
	if len(threats) == 0 {
		return nil
	}
	subject := event.ClientID
	if subject == "" {
		subject = event.ClientIP
	}
	d.mu.RLock()
	handlers := append([]ThreatHandler(nil), d.handlers...)
	d.mu.RUnlock()

	for _, threat := range threats {
		d.metrics.RecordThreat(string(threat.Type), threat.Severity.String())
		d.logger.Warn(ctx, "threat detected",
			logger.String("threat_type", string(threat.Type)),
			logger.String("severity", threat.Severity.String()),
			logger.String("subject", subject),
			logger.String("event_id", event.ID),
		)
		var responses []models.ResponseAction
		if d.responder != nil {
			responses, _ = d.responder.Respond(ctx, subject, threat)
		}
		for _, h := range handlers {
			h(ctx, threat, event, responses)
		}
	}
	return threats
}

// Drain processes batches until the queue is empty.
func (d *ThreatDetector) Drain(ctx context.Context) error {
	for {
		n, err := d.ProcessBatch(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
}

// Prune drops profile history older than the retention window.
func (d *ThreatDetector) Prune(ctx context.Context) error {
	removed := d.analyzer.Prune(d.clock.Now().Add(-d.retention))
	if removed > 0 {
		d.logger.Debug(ctx, "pruned client profiles", logger.Int("removed", removed))
	}
	return nil
}

// Level returns the active threat level, 1 to 5.
func (d *ThreatDetector) Level() int { return int(d.level.Load()) }

// QueueDepth returns the number of queued events.
func (d *ThreatDetector) QueueDepth() int { return len(d.queue) }

// QueueCapacity returns the queue size.
func (d *ThreatDetector) QueueCapacity() int { return cap(d.queue) }

// Dropped returns how many events were dropped because the queue was full.
func (d *ThreatDetector) Dropped() int64 { return d.dropped.Load() }

// RecentThreats returns the threats that currently feed the threat level.
func (d *ThreatDetector) RecentThreats() []models.DetectedThreat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.DetectedThreat(nil), d.recent...)
}

// Attributes renders detector state under the "detector." field prefix for policy evaluation.
func (d *ThreatDetector) Attributes() map[string]interface{} {
	depth, capacity := d.QueueDepth(), d.QueueCapacity()
	utilization := 0.0
	if capacity > 0 {
		utilization = float64(depth) / float64(capacity)
	}
	return map[string]interface{}{
		"detector": map[string]interface{}{
			"queue_depth":       depth,
			"queue_capacity":    capacity,
			"queue_utilization": utilization,
			"threat_level":      d.Level(),
			"recent_threats":    len(d.RecentThreats()),
			"dropped":           d.Dropped(),
		},
	}
}
