package models

import (
	"math"
	"slices"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusError     WorkflowStatus = "error"
)

// IsValid reports whether the status is one of the known instance states.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusPaused,
		WorkflowStatusCompleted, WorkflowStatusCancelled, WorkflowStatusError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusCancelled
}

// StepStatus represents the state of a step instance.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusError     StepStatus = "error"
)

// SatisfiesDependency reports whether a step in this state unblocks its dependents.
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Comment is a timestamped note attached to a step.
type Comment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision records an approval outcome attached to a step.
type Decision struct {
	ApprovalID string         `json:"approval_id"`
	Outcome    ApprovalStatus `json:"outcome"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// WorkflowStepInstance is the runtime copy of a template step.
// Dependencies, flags and actions are snapshotted from the template version the
// instance was created from so template updates never affect running instances.
type WorkflowStepInstance struct {
	ID            string            `json:"id"`
	StepID        string            `json:"step_id"`
	Name          string            `json:"name"`
	Type          StepType          `json:"type"`
	Order         int               `json:"order"`
	Role          string            `json:"role,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	IsRequired    bool              `json:"is_required"`
	CanSkip       bool              `json:"can_skip"`
	Actions       []*WorkflowAction `json:"actions,omitempty"`
	Status        StepStatus        `json:"status"`
	Assignee      string            `json:"assignee,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	EstimatedTime float64           `json:"estimated_time"` // Hours
	ActualTime    float64           `json:"actual_time"`    // Hours
	Comments      []Comment         `json:"comments,omitempty"`
	Attachments   []string          `json:"attachments,omitempty"`
	Decisions     []Decision        `json:"decisions,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// WorkflowInstance is one running execution of a template against a subject.
type WorkflowInstance struct {
	ID               string                  `json:"id"`
	TemplateID       string                  `json:"template_id"`
	TemplateVersion  int                     `json:"template_version"`
	SubjectID        string                  `json:"subject_id"`
	Title            string                  `json:"title"`
	Status           WorkflowStatus          `json:"status"`
	CurrentStep      int                     `json:"current_step"`
	Steps            []*WorkflowStepInstance `json:"steps"`
	Assignees        []string                `json:"assignees,omitempty"`
	StartDate        time.Time               `json:"start_date"`
	EstimatedEndDate time.Time               `json:"estimated_end_date"`
	ActualEndDate    *time.Time              `json:"actual_end_date,omitempty"`
	Progress         int                     `json:"progress"`
	Metadata         map[string]any          `json:"metadata,omitempty"`
	CreatedBy        string                  `json:"created_by,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// FindStep resolves a step by its instance id or by its template step id.
func (w *WorkflowInstance) FindStep(id string) *WorkflowStepInstance {
	for _, step := range w.Steps {
		if step.ID == id || step.StepID == id {
			return step
		}
	}

	return nil
}

// ActiveStep returns the step currently in progress, or nil.
func (w *WorkflowInstance) ActiveStep() *WorkflowStepInstance {
	for _, step := range w.Steps {
		if step.Status == StepStatusActive {
			return step
		}
	}

	return nil
}

// DependenciesSatisfied reports whether every dependency of step is completed or skipped.
func (w *WorkflowInstance) DependenciesSatisfied(step *WorkflowStepInstance) bool {
	for _, dependency := range step.Dependencies {
		dep := w.FindStep(dependency)
		if dep == nil || !dep.Status.SatisfiesDependency() {
			return false
		}
	}

	return true
}

// RequiredStepsSatisfied reports whether all required steps are completed or skipped.
func (w *WorkflowInstance) RequiredStepsSatisfied() bool {
	for _, step := range w.Steps {
		if step.IsRequired && !step.Status.SatisfiesDependency() {
			return false
		}
	}

	return true
}

// ComputeProgress returns round(100 * done / total) where done counts completed and
// skipped steps. The value only reaches 100 when every step is done.
func (w *WorkflowInstance) ComputeProgress() int {
	total := len(w.Steps)
	if total == 0 {
		return 0
	}

	done := 0

	for _, step := range w.Steps {
		if step.Status.SatisfiesDependency() {
			done++
		}
	}

	if done == total {
		return 100
	}

	return min(99, int(math.Round(100*float64(done)/float64(total))))
}

// StepIndex returns the index of step in Steps, or -1.
func (w *WorkflowInstance) StepIndex(step *WorkflowStepInstance) int {
	return slices.Index(w.Steps, step)
}

// IsOverdue reports whether an active instance has passed its estimated end date.
func (w *WorkflowInstance) IsOverdue(now time.Time) bool {
	return w.Status == WorkflowStatusActive && now.After(w.EstimatedEndDate)
}
