package mocks

import (
	"context"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockSink is a mock implementation of notifications.Sink interface.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Notify(ctx context.Context, notification *models.WorkflowNotification) error {
	args := m.Called(ctx, notification)

	return args.Error(0)
}
