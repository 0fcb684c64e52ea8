package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/google/uuid"
)

// ApprovalRepository stores approval requests as JSONB documents.
type ApprovalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewApprovalRepository(db *sql.DB, logger *slog.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

func (r *ApprovalRepository) GetAll(ctx context.Context) ([]*models.ApprovalRequest, error) {
	return r.query(ctx, `SELECT document FROM approval_requests ORDER BY created_at DESC`)
}

func (r *ApprovalRepository) GetByInstance(ctx context.Context, instanceID string) ([]*models.ApprovalRequest, error) {
	return r.query(ctx,
		`SELECT document FROM approval_requests WHERE instance_id = $1 ORDER BY created_at DESC`,
		instanceID,
	)
}

func (r *ApprovalRepository) GetPending(ctx context.Context) ([]*models.ApprovalRequest, error) {
	return r.query(ctx,
		`SELECT document FROM approval_requests WHERE status = $1 ORDER BY deadline ASC`,
		string(models.ApprovalStatusPending),
	)
}

func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM approval_requests WHERE id = $1`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query approval request %s: %w", id, err)
	}

	return decode[models.ApprovalRequest](document)
}

func (r *ApprovalRepository) Save(ctx context.Context, request *models.ApprovalRequest) error {
	now := time.Now().UTC()

	if request.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate approval ID: %w", err)
		}

		request.ID = id.String()
	}

	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}

	if request.UpdatedAt.IsZero() {
		request.UpdatedAt = now
	}

	document, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}

	query := `
		INSERT INTO approval_requests (id, instance_id, step_id, status, deadline, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , deadline = EXCLUDED.deadline
		  , document = EXCLUDED.document
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		request.ID,
		request.InstanceID,
		request.StepID,
		string(request.Status),
		request.Deadline,
		document,
		request.CreatedAt,
		request.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request %s: %w", request.ID, err)
	}

	return nil
}

func (r *ApprovalRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM approval_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete approval request %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "approval", id, persistence.ErrApprovalNotFound)
	}

	return nil
}

func (r *ApprovalRepository) query(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanDocuments[models.ApprovalRequest](rows)
}
