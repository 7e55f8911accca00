package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/turtacn/paygate/internal/domain/models"
)

// MockAuditExporter is a mock implementation of service.AuditExporter
type MockAuditExporter struct {
	mock.Mock
}

func (m *MockAuditExporter) Export(ctx context.Context, events []*models.AuditEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}
