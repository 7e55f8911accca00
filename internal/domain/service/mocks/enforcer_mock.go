package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/turtacn/paygate/internal/domain/models"
)

// MockEnforcer is a mock implementation of service.Enforcer
type MockEnforcer struct {
	mock.Mock
}

func (m *MockEnforcer) Block(ctx context.Context, subject string, ttl time.Duration, reason string) error {
	args := m.Called(ctx, subject, ttl, reason)
	return args.Error(0)
}

func (m *MockEnforcer) Throttle(ctx context.Context, subject string, level models.ThrottleLevel, ttl time.Duration) error {
	args := m.Called(ctx, subject, level, ttl)
	return args.Error(0)
}
