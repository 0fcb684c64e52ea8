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

// ApprovalRepository handles approval request file operations.
type ApprovalRepository struct {
	approvals *collection[models.ApprovalRequest]
}

func NewApprovalRepository(root string) *ApprovalRepository {
	return &ApprovalRepository{approvals: newCollection[models.ApprovalRequest](root, "approvals")}
}

func (r *ApprovalRepository) GetAll(_ context.Context) ([]*models.ApprovalRequest, error) {
	return r.approvals.all()
}

func (r *ApprovalRepository) GetByID(_ context.Context, id string) (*models.ApprovalRequest, error) {
	return r.approvals.get(id)
}

func (r *ApprovalRepository) GetByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return r.filter(ctx, func(request *models.ApprovalRequest) bool {
		return request.InstanceID == instanceID
	})
}

func (r *ApprovalRepository) GetPending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	return r.filter(ctx, func(request *models.ApprovalRequest) bool {
		return request.Status == models.ApprovalStatusPending
	})
}

func (r *ApprovalRepository) filter(
	ctx context.Context,
	keep func(*models.ApprovalRequest) bool,
) ([]*models.ApprovalRequest, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]*models.ApprovalRequest, 0)

	for _, request := range all {
		if keep(request) {
			matches = append(matches, request)
		}
	}

	return matches, nil
}

func (r *ApprovalRepository) Save(_ context.Context, request *models.ApprovalRequest) error {
	now := time.Now().UTC()

	if request.ID == "" {
		request.ID = uuid.New().String()
	}

	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}

	if request.UpdatedAt.IsZero() {
		request.UpdatedAt = now
	}

	return r.approvals.put(request.ID, request)
}

func (r *ApprovalRepository) Delete(_ context.Context, id string) error {
	err := r.approvals.remove(id)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewEntityError("Delete", "approval", id, persistence.ErrApprovalNotFound)
	}

	return err
}
