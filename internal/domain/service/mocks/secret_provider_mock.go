package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSecretProvider is a mock implementation of service.SecretProvider
type MockSecretProvider struct {
	mock.Mock
}

func (m *MockSecretProvider) SigningSecrets(ctx context.Context, clientID string) ([]string, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
