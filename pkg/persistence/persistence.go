// Package persistence provides the storage port for templates, workflow instances and approval requests.
package persistence

import (
	"context"

	"github.com/dukex/contractflow/pkg/models"
)

// Persistence groups the repositories of one backing store.
type Persistence interface {
	TemplateRepository() TemplateRepository
	InstanceRepository() InstanceRepository
	ApprovalRepository() ApprovalRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TemplateRepository stores workflow templates. GetByID returns nil, nil when absent.
type TemplateRepository interface {
	GetAll(ctx context.Context) ([]*models.WorkflowTemplate, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	GetByContractType(ctx context.Context, contractType string) ([]*models.WorkflowTemplate, error)
	Save(ctx context.Context, template *models.WorkflowTemplate) error
	Delete(ctx context.Context, id string) error
}

// InstanceRepository stores workflow instances. Every read returns a copy the
// caller may mutate freely; changes only become visible through Save.
type InstanceRepository interface {
	GetAll(ctx context.Context) ([]*models.WorkflowInstance, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, opts ListInstancesOptions) (*InstanceListResult, error)
	CountByTemplate(ctx context.Context, templateID string) (int, error)
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	Delete(ctx context.Context, id string) error
}

// ApprovalRepository stores approval requests.
type ApprovalRepository interface {
	GetAll(ctx context.Context) ([]*models.ApprovalRequest, error)
	GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error)
	GetPending(ctx context.Context) ([]*models.ApprovalRequest, error)
	Save(ctx context.Context, request *models.ApprovalRequest) error
	Delete(ctx context.Context, id string) error
}
