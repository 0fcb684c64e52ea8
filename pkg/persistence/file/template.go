package file

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/google/uuid"
)

// TemplateRepository handles template file operations.
type TemplateRepository struct {
	templates *collection[models.WorkflowTemplate]
}

func NewTemplateRepository(root string) *TemplateRepository {
	return &TemplateRepository{templates: newCollection[models.WorkflowTemplate](root, "templates")}
}

func (r *TemplateRepository) GetAll(_ context.Context) ([]*models.WorkflowTemplate, error) {
	return r.templates.all()
}

func (r *TemplateRepository) GetByID(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	return r.templates.get(id)
}

func (r *TemplateRepository) GetByContractType(ctx context.Context, contractType string) ([]*models.WorkflowTemplate, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]*models.WorkflowTemplate, 0)

	for _, template := range all {
		if template.ContractType == contractType {
			matches = append(matches, template)
		}
	}

	return matches, nil
}

func (r *TemplateRepository) Save(_ context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.ID == "" {
		template.ID = uuid.New().String()
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	if template.UpdatedAt.IsZero() {
		template.UpdatedAt = now
	}

	return r.templates.put(template.ID, template)
}

func (r *TemplateRepository) Delete(_ context.Context, id string) error {
	err := r.templates.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewEntityError("Delete", "template", id, persistence.ErrTemplateNotFound)
	}

	return err
}
