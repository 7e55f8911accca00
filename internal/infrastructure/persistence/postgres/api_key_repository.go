package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
	gateerrors "github.com/turtacn/paygate/pkg/errors"
)

var _ repository.APIKeyRepository = (*APIKeyRepository)(nil)

// APIKeyRepository is the gorm-backed API key store.
type APIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository creates a new API key repository.
func NewAPIKeyRepository(db *gorm.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) FindByKey(ctx context.Context, key string) (*models.ApiKeyInfo, error) {
	var info models.ApiKeyInfo
	err := r.db.WithContext(ctx).Where("api_key = ?", key).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gateerrors.ErrNotFound("api key")
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *APIKeyRepository) Save(ctx context.Context, key *models.ApiKeyInfo) error {
	return r.db.WithContext(ctx).Save(key).Error
}

func (r *APIKeyRepository) Revoke(ctx context.Context, key string) error {
	res := r.db.WithContext(ctx).Model(&models.ApiKeyInfo{}).Where("api_key = ?", key).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gateerrors.ErrNotFound("api key")
	}
	return nil
}

func (r *APIKeyRepository) ListByClient(ctx context.Context, clientID string) ([]*models.ApiKeyInfo, error) {
	var keys []*models.ApiKeyInfo
	err := r.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at").Find(&keys).Error
	return keys, err
}
