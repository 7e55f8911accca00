package repository

import (
	"context"
	"time"

	"github.com/turtacn/paygate/internal/domain/models"
)

// AuditRepository defines the interface for the append-only audit store.
type AuditRepository interface {
	// Append stores events; existing audit IDs are left untouched.
	Append(ctx context.Context, events []*models.AuditEvent) error
	// FindBetween returns events with from <= Timestamp < to, oldest first.
	FindBetween(ctx context.Context, from, to time.Time) ([]*models.AuditEvent, error)
}
