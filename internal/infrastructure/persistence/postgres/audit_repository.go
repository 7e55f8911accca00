package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
)

var _ repository.AuditRepository = (*AuditRepository)(nil)

// AuditRepository stores signed audit events with gorm. Rows are inserted once and never updated.
type AuditRepository struct {
	db        *gorm.DB
	batchSize int
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db, batchSize: 500}
}

// Append inserts events in batches. An audit ID that already exists is skipped, so a retried flush
// cannot duplicate or overwrite rows.
func (r *AuditRepository) Append(ctx context.Context, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "audit_id"}}, DoNothing: true}).
		CreateInBatches(events, r.batchSize).Error
}

func (r *AuditRepository) FindBetween(ctx context.Context, from, to time.Time) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	err := r.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Order("timestamp ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
