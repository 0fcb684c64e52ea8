package mocks

import (
	"context"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockActionInterpreter is a mock implementation of rules.ActionInterpreter interface.
type MockActionInterpreter struct {
	mock.Mock
}

func (m *MockActionInterpreter) ApplyAction(
	ctx context.Context,
	instanceID string,
	action *models.WorkflowAction,
	payload map[string]any,
) error {
	args := m.Called(ctx, instanceID, action, payload)

	return args.Error(0)
}

// MockTemplateLister is a mock implementation of rules.TemplateLister interface.
type MockTemplateLister struct {
	mock.Mock
}

func (m *MockTemplateLister) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowTemplate), args.Error(1)
}
