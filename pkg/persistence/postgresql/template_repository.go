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

// TemplateRepository stores templates as JSONB documents with indexed lookup columns.
type TemplateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTemplateRepository(db *sql.DB, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

func (r *TemplateRepository) GetAll(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	return r.query(ctx, `SELECT document FROM workflow_templates ORDER BY created_at DESC`)
}

func (r *TemplateRepository) GetByContractType(ctx context.Context, contractType string) ([]*models.WorkflowTemplate, error) {
	return r.query(ctx,
		`SELECT document FROM workflow_templates WHERE contract_type = $1 ORDER BY created_at DESC`,
		contractType,
	)
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	var document []byte

	err := r.db.QueryRowContext(ctx, `SELECT document FROM workflow_templates WHERE id = $1`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query template %s: %w", id, err)
	}

	return decode[models.WorkflowTemplate](document)
}

func (r *TemplateRepository) Save(ctx context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate template ID: %w", err)
		}

		template.ID = id.String()
	}

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	if template.UpdatedAt.IsZero() {
		template.UpdatedAt = now
	}

	document, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	query := `
		INSERT INTO workflow_templates (id, name, contract_type, is_active, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , contract_type = EXCLUDED.contract_type
		  , is_active = EXCLUDED.is_active
		  , version = EXCLUDED.version
		  , document = EXCLUDED.document
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		template.ID,
		template.Name,
		template.ContractType,
		template.IsActive,
		template.Version,
		document,
		template.CreatedAt,
		template.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}

	return nil
}

func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Delete", "template", id, persistence.ErrTemplateNotFound)
	}

	return nil
}

func (r *TemplateRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowTemplate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return scanDocuments[models.WorkflowTemplate](rows)
}

func decode[T any](document []byte) (*T, error) {
	var value T

	err := json.Unmarshal(document, &value)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return &value, nil
}

func scanDocuments[T any](rows *sql.Rows) ([]*T, error) {
	values := make([]*T, 0)

	for rows.Next() {
		var document []byte

		err := rows.Scan(&document)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}

		value, err := decode[T](document)
		if err != nil {
			return nil, err
		}

		values = append(values, value)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return values, nil
}
