package mocks

import (
	"context"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Templates *MockTemplateRepository
	Instances *MockInstanceRepository
	Approvals *MockApprovalRepository
}

// NewMockPersistence returns a MockPersistence wired to fresh repository mocks.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Templates: &MockTemplateRepository{},
		Instances: &MockInstanceRepository{},
		Approvals: &MockApprovalRepository{},
	}
}

func (m *MockPersistence) TemplateRepository() persistence.TemplateRepository {
	return m.Templates
}

func (m *MockPersistence) InstanceRepository() persistence.InstanceRepository {
	return m.Instances
}

func (m *MockPersistence) ApprovalRepository() persistence.ApprovalRepository {
	return m.Approvals
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockTemplateRepository is a mock implementation of persistence.TemplateRepository interface.
type MockTemplateRepository struct {
	mock.Mock
}

func (m *MockTemplateRepository) GetAll(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowTemplate), args.Error(1)
}

func (m *MockTemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowTemplate), args.Error(1)
}

func (m *MockTemplateRepository) GetByContractType(ctx context.Context, contractType string) ([]*models.WorkflowTemplate, error) {
	args := m.Called(ctx, contractType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowTemplate), args.Error(1)
}

func (m *MockTemplateRepository) Save(ctx context.Context, template *models.WorkflowTemplate) error {
	args := m.Called(ctx, template)

	return args.Error(0)
}

func (m *MockTemplateRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockInstanceRepository is a mock implementation of persistence.InstanceRepository interface.
type MockInstanceRepository struct {
	mock.Mock
}

func (m *MockInstanceRepository) GetAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowInstance), args.Error(1)
}

func (m *MockInstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowInstance), args.Error(1)
}

func (m *MockInstanceRepository) List(
	ctx context.Context,
	opts persistence.ListInstancesOptions,
) (*persistence.InstanceListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.InstanceListResult), args.Error(1)
}

func (m *MockInstanceRepository) CountByTemplate(ctx context.Context, templateID string) (int, error) {
	args := m.Called(ctx, templateID)

	return args.Int(0), args.Error(1)
}

func (m *MockInstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	args := m.Called(ctx, instance)

	return args.Error(0)
}

func (m *MockInstanceRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockApprovalRepository is a mock implementation of persistence.ApprovalRepository interface.
type MockApprovalRepository struct {
	mock.Mock
}

func (m *MockApprovalRepository) GetAll(ctx context.Context) ([]*models.ApprovalRequest, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ApprovalRequest), args.Error(1)
}

func (m *MockApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ApprovalRequest), args.Error(1)
}

func (m *MockApprovalRepository) GetByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ApprovalRequest), args.Error(1)
}

func (m *MockApprovalRepository) GetPending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ApprovalRequest), args.Error(1)
}

func (m *MockApprovalRepository) Save(ctx context.Context, request *models.ApprovalRequest) error {
	args := m.Called(ctx, request)

	return args.Error(0)
}

func (m *MockApprovalRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}
