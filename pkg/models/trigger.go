package models

import "time"

// TriggerKind names the domain event an automation rule reacts to.
type TriggerKind string

const (
	TriggerDocumentUploaded  TriggerKind = "document_uploaded"
	TriggerStatusChanged     TriggerKind = "status_changed"
	TriggerDateReached       TriggerKind = "date_reached"
	TriggerApprovalGranted   TriggerKind = "approval_granted"
	TriggerApprovalRejected  TriggerKind = "approval_rejected"
	TriggerStepCompleted     TriggerKind = "step_completed"
	TriggerWorkflowCompleted TriggerKind = "workflow_completed"
	TriggerWorkflowCreated   TriggerKind = "workflow_created"
)

// AutomationRule reacts to a trigger by running actions when its conditions match.
// Lower Priority values fire first.
type AutomationRule struct {
	ID         string                `json:"id"         validate:"required"`
	Name       string                `json:"name"       validate:"required"`
	Trigger    TriggerKind           `json:"trigger"    validate:"required"`
	Conditions []AutomationCondition `json:"conditions" validate:"dive"`
	Actions    []*WorkflowAction     `json:"actions"    validate:"required,min=1"`
	Enabled    bool                  `json:"enabled"`
	Priority   int                   `json:"priority"`
	CreatedAt  time.Time             `json:"created_at"`
}
