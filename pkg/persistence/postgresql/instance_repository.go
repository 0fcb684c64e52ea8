package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/google/uuid"
)

// InstanceRepository stores workflow instances as JSONB documents.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

var instanceSortColumns = map[string]string{
	"created_at":         "created_at",
	"updated_at":         "updated_at",
	"estimated_end_date": "estimated_end_date",
	"title":              "title",
}

func (r *InstanceRepository) GetAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM workflow_instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanDocuments[models.WorkflowInstance](rows)
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM workflow_instances WHERE id = $1`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query instance %s: %w", id, err)
	}

	return decode[models.WorkflowInstance](document)
}

func (r *InstanceRepository) List(
	ctx context.Context,
	opts persistence.ListInstancesOptions,
) (*persistence.InstanceListResult, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	addCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if opts.TemplateID != "" {
		addCondition("template_id = $%d", opts.TemplateID)
	}

	if opts.SubjectID != "" {
		addCondition("subject_id = $%d", opts.SubjectID)
	}

	if opts.Status != nil {
		addCondition("status = $%d", string(*opts.Status))
	}

	if opts.Assignee != "" {
		addCondition("assignees ? $%d", opts.Assignee)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64

	err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_instances"+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT document FROM workflow_instances%s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d",
		where,
		instanceSortColumns[opts.SortBy],
		strings.ToUpper(opts.SortOrder),
		strings.ToUpper(opts.SortOrder),
		len(args)+1,
		len(args)+2,
	)

	rows, err := r.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances, err := scanDocuments[models.WorkflowInstance](rows)
	if err != nil {
		return nil, err
	}

	return &persistence.InstanceListResult{
		Instances:   instances,
		TotalCount:  total,
		HasNextPage: int64(opts.Offset+len(instances)) < total,
	}, nil
}

func (r *InstanceRepository) CountByTemplate(ctx context.Context, templateID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances WHERE template_id = $1`, templateID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count instances of template %s: %w", templateID, err)
	}

	return count, nil
}

func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()

	if instance.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}

		instance.ID = id.String()
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	if instance.UpdatedAt.IsZero() {
		instance.UpdatedAt = now
	}

	document, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	assignees := instance.Assignees
	if assignees == nil {
		assignees = []string{}
	}

	assigneesJSON, err := json.Marshal(assignees)
	if err != nil {
		return fmt.Errorf("failed to marshal assignees: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (
			id, template_id, subject_id, title, status, assignees, estimated_end_date, document, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			subject_id = EXCLUDED.subject_id
		  , title = EXCLUDED.title
		  , status = EXCLUDED.status
		  , assignees = EXCLUDED.assignees
		  , estimated_end_date = EXCLUDED.estimated_end_date
		  , document = EXCLUDED.document
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.TemplateID,
		instance.SubjectID,
		instance.Title,
		string(instance.Status),
		assigneesJSON,
		instance.EstimatedEndDate,
		document,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "instance", id, persistence.ErrInstanceNotFound)
	}

	return nil
}
