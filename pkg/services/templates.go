package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"github.com/dukex/contractflow/pkg/persistence"
	"github.com/dukex/contractflow/pkg/templatedoc"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Templates is the template registry.
type Templates struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	locks       *keyedMutex
	cfg         config
	logger      *slog.Logger
}

// NewTemplates creates a new template registry.
func NewTemplates(persistence persistence.Persistence, opts ...Option) *Templates {
	cfg := newConfig(opts)

	return &Templates{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		locks:       newKeyedMutex(),
		cfg:         cfg,
		logger:      cfg.logger.With("module", "templates"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (t *Templates) HealthCheck(ctx context.Context) (string, bool) {
	if t.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := t.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// TemplatePatch holds the fields of an update. Nil fields are left unchanged.
type TemplatePatch struct {
	Name              *string
	Description       *string
	ContractType      *string
	Steps             []*models.WorkflowStep
	EstimatedTime     *float64
	RequiredApprovals []string
	AutomationRules   []*models.AutomationRule
	IsActive          *bool
}

// Register validates and stores a new template, returning its id.
func (t *Templates) Register(ctx context.Context, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.cfg.tracer, "templates.register")
	defer span.End()

	const op = "Templates.Register"

	if template == nil {
		return nil, newError(op, "", ErrValidation, "template is required")
	}

	if template.ID == "" {
		template.ID = uuid.New().String()
	}

	span.SetAttributes(attribute.String(otelhelper.TemplateIDKey, template.ID))

	err := t.check(op, template)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	unlock := t.locks.Lock(template.ID)
	defer unlock()

	existing, err := t.persistence.TemplateRepository().GetByID(ctx, template.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	if existing != nil {
		return nil, newError(op, template.ID, ErrTemplateExists, "template %s already exists", template.ID)
	}

	now := t.cfg.clock()
	template.Version = 1
	template.CreatedAt = now
	template.UpdatedAt = now

	for _, rule := range template.AutomationRules {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
	}

	err = t.persistence.TemplateRepository().Save(ctx, template)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to register template: %w", err)
	}

	t.logger.InfoContext(ctx, "Template registered", "template_id", template.ID, "contract_type", template.ContractType)

	return template, nil
}

// Import parses a JSON or YAML template document, validates it against the
// template schema and registers it.
func (t *Templates) Import(ctx context.Context, document []byte, format templatedoc.Format) (*models.WorkflowTemplate, error) {
	template, err := templatedoc.Parse(document, format)
	if err != nil {
		return nil, newError("Templates.Import", "", ErrValidation, "%v", err)
	}

	return t.Register(ctx, template)
}

// Get returns the template with id.
func (t *Templates) Get(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := t.persistence.TemplateRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	if template == nil {
		return nil, newError("Templates.Get", id, ErrTemplateNotFound, "")
	}

	return template, nil
}

// List returns every template ordered by name.
func (t *Templates) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	templates, err := t.persistence.TemplateRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	sortTemplates(templates)

	return templates, nil
}

// ListByCategory returns the templates of one contract type.
func (t *Templates) ListByCategory(ctx context.Context, contractType string) ([]*models.WorkflowTemplate, error) {
	templates, err := t.persistence.TemplateRepository().GetByContractType(ctx, contractType)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	sortTemplates(templates)

	return templates, nil
}

// Update applies patch and bumps the template version. Running instances keep
// the steps they were created with.
func (t *Templates) Update(ctx context.Context, id string, patch TemplatePatch) (*models.WorkflowTemplate, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.cfg.tracer, "templates.update",
		attribute.String(otelhelper.TemplateIDKey, id))
	defer span.End()

	const op = "Templates.Update"

	unlock := t.locks.Lock(id)
	defer unlock()

	template, err := t.persistence.TemplateRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	if template == nil {
		return nil, newError(op, id, ErrTemplateNotFound, "")
	}

	applyTemplatePatch(template, patch)

	err = t.check(op, template)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := t.cfg.clock()
	template.Version++
	template.UpdatedAt = now

	for _, rule := range template.AutomationRules {
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
	}

	err = t.persistence.TemplateRepository().Save(ctx, template)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to update template: %w", err)
	}

	t.logger.InfoContext(ctx, "Template updated", "template_id", id, "version", template.Version)

	return template, nil
}

// Delete removes a template that no instance references.
func (t *Templates) Delete(ctx context.Context, id string) error {
	const op = "Templates.Delete"

	unlock := t.locks.Lock(id)
	defer unlock()

	count, err := t.persistence.InstanceRepository().CountByTemplate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count template instances: %w", err)
	}

	if count > 0 {
		return newError(op, id, ErrTemplateInUse, "template is used by %d workflow instances", count)
	}

	err = t.persistence.TemplateRepository().Delete(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrTemplateNotFound) {
			return newError(op, id, ErrTemplateNotFound, "")
		}

		return fmt.Errorf("failed to delete template: %w", err)
	}

	t.logger.InfoContext(ctx, "Template deleted", "template_id", id)

	return nil
}

// lockTemplate holds off Update and Delete of id until the returned func is called.
func (t *Templates) lockTemplate(id string) func() {
	return t.locks.Lock(id)
}

func (t *Templates) check(op string, template *models.WorkflowTemplate) error {
	err := t.validate.Struct(template)
	if err != nil {
		return newError(op, template.ID, ErrValidation, "%v", err)
	}

	err = template.Validate()
	if err != nil {
		return newError(op, template.ID, err, "%v", err)
	}

	return nil
}

func applyTemplatePatch(template *models.WorkflowTemplate, patch TemplatePatch) {
	if patch.Name != nil {
		template.Name = *patch.Name
	}

	if patch.Description != nil {
		template.Description = *patch.Description
	}

	if patch.ContractType != nil {
		template.ContractType = *patch.ContractType
	}

	if patch.Steps != nil {
		template.Steps = patch.Steps
	}

	if patch.EstimatedTime != nil {
		template.EstimatedTime = *patch.EstimatedTime
	}

	if patch.RequiredApprovals != nil {
		template.RequiredApprovals = patch.RequiredApprovals
	}

	if patch.AutomationRules != nil {
		template.AutomationRules = patch.AutomationRules
	}

	if patch.IsActive != nil {
		template.IsActive = *patch.IsActive
	}
}

func sortTemplates(templates []*models.WorkflowTemplate) {
	slices.SortFunc(templates, func(a, b *models.WorkflowTemplate) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})
}
