package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
)

var _ repository.AuditRepository = (*AuditRepository)(nil)

// AuditRepository is an append-only in-memory audit store.
type AuditRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
	ids    map[string]struct{}
}

// NewAuditRepository creates an empty store.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{ids: make(map[string]struct{})}
}

func (r *AuditRepository) Append(_ context.Context, events []*models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		if _, dup := r.ids[e.AuditID]; dup {
			continue
		}
		r.ids[e.AuditID] = struct{}{}
		cp := *e
		r.events = append(r.events, &cp)
	}
	return nil
}

func (r *AuditRepository) FindBetween(_ context.Context, from, to time.Time) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AuditEvent
	for _, e := range r.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Len returns the number of stored events.
func (r *AuditRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
