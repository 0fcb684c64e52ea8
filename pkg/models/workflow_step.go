package models

// StepType classifies the kind of work a step represents.
type StepType string

const (
	StepTypeManual             StepType = "manual"
	StepTypeAutomated          StepType = "automated"
	StepTypeApproval           StepType = "approval"
	StepTypeNotification       StepType = "notification"
	StepTypeDocumentGeneration StepType = "document_generation"
	StepTypeRiskAssessment     StepType = "risk_assessment"
)

// WorkflowStep is a template-level step definition.
type WorkflowStep struct {
	ID             string            `json:"id"                     validate:"required"`
	Name           string            `json:"name"                   validate:"required"`
	Description    string            `json:"description,omitempty"`
	Type           StepType          `json:"type"                   validate:"required,oneof=manual automated approval notification document_generation risk_assessment"` //nolint:lll
	Assignee       string            `json:"assignee,omitempty"`
	Role           string            `json:"role,omitempty"`
	EstimatedHours float64           `json:"estimated_hours"        validate:"min=0"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Actions        []*WorkflowAction `json:"actions,omitempty"`
	IsRequired     bool              `json:"is_required"`
	CanSkip        bool              `json:"can_skip"`
	Order          int               `json:"order"`
}
