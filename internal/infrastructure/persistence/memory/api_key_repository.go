package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
	"github.com/turtacn/paygate/pkg/errors"
)

var _ repository.APIKeyRepository = (*APIKeyRepository)(nil)

// APIKeyRepository keeps API keys in process memory.
type APIKeyRepository struct {
	mu   sync.RWMutex
	keys map[string]models.ApiKeyInfo
}

// NewAPIKeyRepository creates a repository preloaded with keys.
func NewAPIKeyRepository(keys ...*models.ApiKeyInfo) *APIKeyRepository {
	r := &APIKeyRepository{keys: make(map[string]models.ApiKeyInfo, len(keys))}
	for _, k := range keys {
		r.keys[k.Key] = *k
	}
	return r
}

func (r *APIKeyRepository) FindByKey(_ context.Context, key string) (*models.ApiKeyInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[key]
	if !ok {
		return nil, errors.ErrNotFound("api key")
	}
	return &k, nil
}

func (r *APIKeyRepository) Save(_ context.Context, key *models.ApiKeyInfo) error {
	r.mu.Lock()
	r.keys[key.Key] = *key
	r.mu.Unlock()
	return nil
}

func (r *APIKeyRepository) Revoke(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[key]
	if !ok {
		return errors.ErrNotFound("api key")
	}
	k.Active = false
	r.keys[key] = k
	return nil
}

func (r *APIKeyRepository) ListByClient(_ context.Context, clientID string) ([]*models.ApiKeyInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ApiKeyInfo
	for _, k := range r.keys {
		if k.ClientID == clientID {
			k := k
			out = append(out, &k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
