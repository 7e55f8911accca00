// Package scheduler runs the background tasks of the threat pipeline.
// TickerScheduler drives production; ManualScheduler drives tests on virtual time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var (
	_ service.Scheduler = (*TickerScheduler)(nil)
	_ service.Scheduler = (*ManualScheduler)(nil)
	_ service.Clock     = (*ManualScheduler)(nil)
)

// TickerScheduler runs each task on its own time.Ticker inside an errgroup.
type TickerScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger logger.Logger

	mu      sync.Mutex
	stopped bool
}

// NewTickerScheduler creates a scheduler whose tasks stop when parent is cancelled or Stop is called.
func NewTickerScheduler(parent context.Context, log logger.Logger) *TickerScheduler {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &TickerScheduler{
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		logger: log.WithComponent("Scheduler"),
	}
}

// RunEvery starts a goroutine that calls task every interval.
func (s *TickerScheduler) RunEvery(name string, interval time.Duration, task service.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Warn(context.Background(), "scheduler stopped, task not registered", logger.String("task", name))
		return
	}
	if interval <= 0 {
		s.logger.Warn(context.Background(), "non-positive interval, task not registered", logger.String("task", name))
		return
	}

	s.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case <-ticker.C:
				// A running task finishes even when Stop is called mid-run.
				runTask(context.WithoutCancel(s.ctx), s.logger, name, task)
			}
		}
	})
	s.logger.Debug(context.Background(), "task scheduled", logger.String("task", name), logger.Duration("interval", interval))
}

// Stop cancels scheduling and waits for running tasks.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	_ = s.group.Wait()
}

// runTask executes one tick, isolating panics and errors from the scheduler loop.
func runTask(ctx context.Context, log logger.Logger, name string, task service.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "scheduled task panicked", fmt.Errorf("%v", r), logger.String("task", name))
		}
	}()
	if err := task(ctx); err != nil {
		log.Warn(ctx, "scheduled task failed", logger.String("task", name), logger.Err(err))
	}
}
