package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

type manualTask struct {
	name     string
	interval time.Duration
	next     time.Time
	task     service.Task
}

// ManualScheduler is a virtual-time Scheduler and Clock. Tasks run only when Advance moves time past them.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	tasks   []*manualTask
	stopped bool
	logger  logger.Logger
}

// NewManualScheduler starts virtual time at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start, logger: logger.NewNoopLogger()}
}

// Now returns the virtual time.
func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves virtual time to t without running tasks.
func (m *ManualScheduler) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// RunEvery registers task; its first run is due one interval from now.
func (m *ManualScheduler) RunEvery(name string, interval time.Duration, task service.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || interval <= 0 {
		return
	}
	m.tasks = append(m.tasks, &manualTask{name: name, interval: interval, next: m.now.Add(interval), task: task})
}

// Advance moves virtual time forward by d, running every task that falls due in order.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		due := m.nextDue(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.next
		due.next = due.next.Add(due.interval)
		m.mu.Unlock()

		runTask(context.Background(), m.logger, due.name, due.task)
	}
}

// RunNow runs the named task immediately without moving time. It reports whether the task exists.
func (m *ManualScheduler) RunNow(name string) bool {
	m.mu.Lock()
	var found *manualTask
	for _, t := range m.tasks {
		if t.name == name {
			found = t
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return false
	}
	runTask(context.Background(), m.logger, found.name, found.task)
	return true
}

// Tasks returns the registered task names, sorted.
func (m *ManualScheduler) Tasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tasks))
	for _, t := range m.tasks {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

// Stop prevents further runs.
func (m *ManualScheduler) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *ManualScheduler) nextDue(target time.Time) *manualTask {
	var due *manualTask
	for _, t := range m.tasks {
		if t.next.After(target) {
			continue
		}
		if due == nil || t.next.Before(due.next) {
			due = t
		}
	}
	return due
}
