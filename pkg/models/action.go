package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType identifies the declarative effect a WorkflowAction describes.
type ActionType string

const (
	ActionSendNotification  ActionType = "send_notification"
	ActionRequestApproval   ActionType = "request_approval"
	ActionGenerateDocument  ActionType = "generate_document"
	ActionTriggerAutomation ActionType = "trigger_automation"
	ActionUpdateStatus      ActionType = "update_status"
	ActionAssignTask        ActionType = "assign_task"
	ActionSendEmail         ActionType = "send_email"
	ActionCreateReminder    ActionType = "create_reminder"
)

var (
	// ErrUnknownActionType is returned when an action's type has no payload definition.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrActionPayloadMismatch is returned when the typed payload does not match the action type.
	ErrActionPayloadMismatch = errors.New("action payload does not match action type")
)

// SendNotificationParams is the payload of a send_notification action.
type SendNotificationParams struct {
	NotificationType NotificationType `json:"notification_type,omitempty"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	Recipients       []string         `json:"recipients,omitempty"`
}

// RequestApprovalParams is the payload of a request_approval action.
type RequestApprovalParams struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Approvers   []string `json:"approvers"`
	Optional    []string `json:"optional,omitempty"`
}

// GenerateDocumentParams is the payload of a generate_document action.
type GenerateDocumentParams struct {
	Template string `json:"template"`
	Format   string `json:"format,omitempty"`
}

// TriggerAutomationParams is the payload of a trigger_automation action.
type TriggerAutomationParams struct {
	Trigger TriggerKind    `json:"trigger"`
	Payload map[string]any `json:"payload,omitempty"`
}

// UpdateStatusParams is the payload of an update_status action.
type UpdateStatusParams struct {
	Status WorkflowStatus `json:"status"`
}

// AssignTaskParams is the payload of an assign_task action.
// An empty StepID targets the currently active step.
type AssignTaskParams struct {
	StepID   string `json:"step_id,omitempty"`
	Assignee string `json:"assignee"`
}

// SendEmailParams is the payload of a send_email action.
type SendEmailParams struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body,omitempty"`
}

// CreateReminderParams is the payload of a create_reminder action.
type CreateReminderParams struct {
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message"`
	InHours    float64  `json:"in_hours,omitempty"`
}

// WorkflowAction is a declarative effect interpreted by the instance engine.
// Exactly one payload field is set, the one matching Type.
type WorkflowAction struct {
	Type       ActionType
	Conditions []AutomationCondition
	Delay      time.Duration

	SendNotification  *SendNotificationParams
	RequestApproval   *RequestApprovalParams
	GenerateDocument  *GenerateDocumentParams
	TriggerAutomation *TriggerAutomationParams
	UpdateStatus      *UpdateStatusParams
	AssignTask        *AssignTaskParams
	SendEmail         *SendEmailParams
	CreateReminder    *CreateReminderParams
}

// actionDocument is the wire representation of a WorkflowAction.
type actionDocument struct {
	Type       ActionType            `json:"type"`
	Parameters json.RawMessage       `json:"parameters,omitempty"`
	Conditions []AutomationCondition `json:"conditions,omitempty"`
	Delay      string                `json:"delay,omitempty"`
}

// Params returns the typed payload of the action.
func (a *WorkflowAction) Params() any {
	switch a.Type {
	case ActionSendNotification:
		return orNil(a.SendNotification)
	case ActionRequestApproval:
		return orNil(a.RequestApproval)
	case ActionGenerateDocument:
		return orNil(a.GenerateDocument)
	case ActionTriggerAutomation:
		return orNil(a.TriggerAutomation)
	case ActionUpdateStatus:
		return orNil(a.UpdateStatus)
	case ActionAssignTask:
		return orNil(a.AssignTask)
	case ActionSendEmail:
		return orNil(a.SendEmail)
	case ActionCreateReminder:
		return orNil(a.CreateReminder)
	default:
		return nil
	}
}

// Validate checks that the payload for the action type is present.
func (a *WorkflowAction) Validate() error {
	params := a.Params()
	if params == nil {
		if _, ok := newActionParams(a.Type); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
		}

		return fmt.Errorf("%w: %s", ErrActionPayloadMismatch, a.Type)
	}

	if a.Delay < 0 {
		return fmt.Errorf("action %s: delay cannot be negative", a.Type)
	}

	return nil
}

// MarshalJSON encodes the action as {type, parameters, conditions, delay}.
func (a WorkflowAction) MarshalJSON() ([]byte, error) {
	doc := actionDocument{
		Type:       a.Type,
		Conditions: a.Conditions,
	}

	if a.Delay > 0 {
		doc.Delay = a.Delay.String()
	}

	if params := a.Params(); params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s parameters: %w", a.Type, err)
		}

		doc.Parameters = raw
	}

	return json.Marshal(doc)
}

// UnmarshalJSON decodes the wire form and binds the parameters to the typed payload.
func (a *WorkflowAction) UnmarshalJSON(data []byte) error {
	var doc actionDocument

	err := json.Unmarshal(data, &doc)
	if err != nil {
		return err
	}

	params, ok := newActionParams(doc.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, doc.Type)
	}

	if len(doc.Parameters) > 0 && string(doc.Parameters) != "null" {
		err = json.Unmarshal(doc.Parameters, params)
		if err != nil {
			return fmt.Errorf("invalid parameters for %s action: %w", doc.Type, err)
		}
	}

	var delay time.Duration
	if doc.Delay != "" {
		delay, err = time.ParseDuration(doc.Delay)
		if err != nil {
			return fmt.Errorf("invalid delay for %s action: %w", doc.Type, err)
		}
	}

	*a = WorkflowAction{
		Type:       doc.Type,
		Conditions: doc.Conditions,
		Delay:      delay,
	}

	a.bind(params)

	return nil
}

func (a *WorkflowAction) bind(params any) {
	switch p := params.(type) {
	case *SendNotificationParams:
		a.SendNotification = p
	case *RequestApprovalParams:
		a.RequestApproval = p
	case *GenerateDocumentParams:
		a.GenerateDocument = p
	case *TriggerAutomationParams:
		a.TriggerAutomation = p
	case *UpdateStatusParams:
		a.UpdateStatus = p
	case *AssignTaskParams:
		a.AssignTask = p
	case *SendEmailParams:
		a.SendEmail = p
	case *CreateReminderParams:
		a.CreateReminder = p
	}
}

func orNil[T any](p *T) any {
	if p == nil {
		return nil
	}

	return p
}

func newActionParams(actionType ActionType) (any, bool) {
	switch actionType {
	case ActionSendNotification:
		return &SendNotificationParams{}, true
	case ActionRequestApproval:
		return &RequestApprovalParams{}, true
	case ActionGenerateDocument:
		return &GenerateDocumentParams{}, true
	case ActionTriggerAutomation:
		return &TriggerAutomationParams{}, true
	case ActionUpdateStatus:
		return &UpdateStatusParams{}, true
	case ActionAssignTask:
		return &AssignTaskParams{}, true
	case ActionSendEmail:
		return &SendEmailParams{}, true
	case ActionCreateReminder:
		return &CreateReminderParams{}, true
	default:
		return nil, false
	}
}
