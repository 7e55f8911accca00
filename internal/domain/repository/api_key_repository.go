package repository

import (
	"context"

	"github.com/turtacn/paygate/internal/domain/models"
)

// APIKeyRepository defines the interface for API key persistence.
type APIKeyRepository interface {
	FindByKey(ctx context.Context, key string) (*models.ApiKeyInfo, error)
	Save(ctx context.Context, key *models.ApiKeyInfo) error
	Revoke(ctx context.Context, key string) error
	ListByClient(ctx context.Context, clientID string) ([]*models.ApiKeyInfo, error)
}
