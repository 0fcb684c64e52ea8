package models

import "time"

// NotificationType classifies notifications emitted on state transitions.
type NotificationType string

const (
	NotificationTaskAssigned        NotificationType = "task_assigned"
	NotificationApprovalRequested   NotificationType = "approval_requested"
	NotificationStepCompleted       NotificationType = "step_completed"
	NotificationWorkflowCompleted   NotificationType = "workflow_completed"
	NotificationDeadlineApproaching NotificationType = "deadline_approaching"
	NotificationOverdue             NotificationType = "overdue"
)

// WorkflowNotification is handed to the notification sink; delivery is the sink's concern.
type WorkflowNotification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	InstanceID string           `json:"instance_id,omitempty"`
	StepID     string           `json:"step_id,omitempty"`
	ApprovalID string           `json:"approval_id,omitempty"`
	Channel    string           `json:"channel,omitempty"` // Empty for in-app, "email" for send_email actions
	Recipients []string         `json:"recipients,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}
