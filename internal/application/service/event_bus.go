package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/turtacn/paygate/internal/domain/models"
	domainService "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var _ domainService.EventSink = (*EventBus)(nil)

// EventBus fans security events out to every subscriber. Subscribers must not block.
type EventBus struct {
	mu     sync.RWMutex
	sinks  []domainService.EventSink
	logger logger.Logger
}

// NewEventBus creates a bus with the given subscribers.
func NewEventBus(log logger.Logger, sinks ...domainService.EventSink) *EventBus {
	return &EventBus{sinks: sinks, logger: log.WithComponent("EventBus")}
}

// Subscribe adds a subscriber.
func (b *EventBus) Subscribe(sink domainService.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish delivers event to every subscriber. A panicking subscriber does not affect the others.
func (b *EventBus) Publish(event models.SecurityEvent) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, sink := range sinks {
		b.deliver(sink, event)
	}
}

func (b *EventBus) deliver(sink domainService.EventSink, event models.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), "event subscriber panicked", fmt.Errorf("%v", r),
				logger.String("event_id", event.ID))
		}
	}()
	sink.Publish(event)
}
