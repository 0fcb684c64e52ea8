package web

import (
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/services"
)

// UserIDHeader carries the caller identity. It is trusted as is.
const UserIDHeader = "X-User-ID"

// CreateTemplateRequest represents the request body for registering a template.
type CreateTemplateRequest struct {
	ID                string                   `json:"id,omitempty"`
	Name              string                   `json:"name"                         validate:"required,min=3"`
	Description       string                   `json:"description,omitempty"`
	ContractType      string                   `json:"contract_type"                validate:"required"`
	Steps             []*models.WorkflowStep   `json:"steps"                        validate:"required,min=1"`
	EstimatedTime     float64                  `json:"estimated_time"               validate:"min=0"`
	RequiredApprovals []string                 `json:"required_approvals,omitempty"`
	AutomationRules   []*models.AutomationRule `json:"automation_rules,omitempty"`
	IsActive          *bool                    `json:"is_active,omitempty"`
}

func (r CreateTemplateRequest) Template(createdBy string) *models.WorkflowTemplate {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}

	return &models.WorkflowTemplate{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		ContractType:      r.ContractType,
		Steps:             r.Steps,
		EstimatedTime:     r.EstimatedTime,
		RequiredApprovals: r.RequiredApprovals,
		AutomationRules:   r.AutomationRules,
		IsActive:          active,
		CreatedBy:         createdBy,
	}
}

// UpdateTemplateRequest represents a partial template update.
// Omitted fields are left unchanged.
type UpdateTemplateRequest struct {
	Name              *string                  `json:"name,omitempty"               validate:"omitempty,min=3"`
	Description       *string                  `json:"description,omitempty"`
	ContractType      *string                  `json:"contract_type,omitempty"      validate:"omitempty,min=1"`
	Steps             []*models.WorkflowStep   `json:"steps,omitempty"              validate:"omitempty,min=1"`
	EstimatedTime     *float64                 `json:"estimated_time,omitempty"     validate:"omitempty,min=0"`
	RequiredApprovals []string                 `json:"required_approvals,omitempty"`
	AutomationRules   []*models.AutomationRule `json:"automation_rules,omitempty"`
	IsActive          *bool                    `json:"is_active,omitempty"`
}

func (r UpdateTemplateRequest) Patch() services.TemplatePatch {
	return services.TemplatePatch{
		Name:              r.Name,
		Description:       r.Description,
		ContractType:      r.ContractType,
		Steps:             r.Steps,
		EstimatedTime:     r.EstimatedTime,
		RequiredApprovals: r.RequiredApprovals,
		AutomationRules:   r.AutomationRules,
		IsActive:          r.IsActive,
	}
}

// CreateWorkflowRequest represents the request body for starting a workflow from a template.
type CreateWorkflowRequest struct {
	TemplateID string         `json:"template_id"          validate:"required"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Assignees  []string       `json:"assignees,omitempty"  validate:"omitempty,dive,required"`
	StartDate  *time.Time     `json:"start_date,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UpdateWorkflowRequest represents a partial workflow update.
type UpdateWorkflowRequest struct {
	Status        *models.WorkflowStatus `json:"status,omitempty"`
	Title         *string                `json:"title,omitempty"          validate:"omitempty,min=1"`
	Assignees     []string               `json:"assignees,omitempty"      validate:"omitempty,dive,required"`
	StepAssignees map[string]string      `json:"step_assignees,omitempty" validate:"omitempty,dive,required"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StepActionRequest carries the optional inputs of a step action. The action
// itself comes from the path.
type StepActionRequest struct {
	Comment     string         `json:"comment,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// DomainEventRequest reports an external fact about a workflow, such as an uploaded document.
type DomainEventRequest struct {
	Trigger models.TriggerKind `json:"trigger" validate:"required"`
	Data    map[string]any     `json:"data,omitempty"`
}

type CreateApprovalRequest struct {
	InstanceID  string                   `json:"instance_id"           validate:"required"`
	StepID      string                   `json:"step_id"               validate:"required"`
	Title       string                   `json:"title,omitempty"`
	Description string                   `json:"description,omitempty"`
	Approvers   []services.ApproverInput `json:"approvers"             validate:"required,min=1,dive"`
	Documents   []string                 `json:"documents,omitempty"`
	Deadline    *time.Time               `json:"deadline,omitempty"`
}

type DecisionRequest struct {
	Decision models.DecisionKind `json:"decision"         validate:"required,oneof=approve reject request_changes"`
	Reason   string              `json:"reason,omitempty"`
}
