package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/turtacn/paygate/internal/domain/models"
)

// MockRateLimitService is a mock implementation of RateLimitService
type MockRateLimitService struct {
	mock.Mock
}

func (m *MockRateLimitService) Check(ctx context.Context, clientID, endpoint string) (models.RateLimitDecision, error) {
	args := m.Called(ctx, clientID, endpoint)
	return args.Get(0).(models.RateLimitDecision), args.Error(1)
}
