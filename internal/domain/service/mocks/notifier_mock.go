package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/turtacn/paygate/internal/domain/models"
)

// MockNotifier is a mock implementation of service.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, alert models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}
