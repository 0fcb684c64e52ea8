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

// InstanceRepository handles workflow instance file operations.
type InstanceRepository struct {
	instances *collection[models.WorkflowInstance]
}

func NewInstanceRepository(root string) *InstanceRepository {
	return &InstanceRepository{instances: newCollection[models.WorkflowInstance](root, "instances")}
}

func (r *InstanceRepository) GetAll(_ context.Context) ([]*models.WorkflowInstance, error) {
	return r.instances.all()
}

func (r *InstanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	return r.instances.get(id)
}

func (r *InstanceRepository) List(
	ctx context.Context,
	opts persistence.ListInstancesOptions,
) (*persistence.InstanceListResult, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	return persistence.ApplyInstanceListOptions(all, opts)
}

func (r *InstanceRepository) CountByTemplate(ctx context.Context, templateID string) (int, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, instance := range all {
		if instance.TemplateID == templateID {
			count++
		}
	}

	return count, nil
}

func (r *InstanceRepository) Save(_ context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()

	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	if instance.UpdatedAt.IsZero() {
		instance.UpdatedAt = now
	}

	return r.instances.put(instance.ID, instance)
}

func (r *InstanceRepository) Delete(_ context.Context, id string) error {
	err := r.instances.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewEntityError("Delete", "instance", id, persistence.ErrInstanceNotFound)
	}

	return err
}
