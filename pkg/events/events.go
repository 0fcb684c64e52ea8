// Package events defines the lifecycle events published on the event bus.
package events

import (
	"maps"
	"time"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "contractflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowCreatedEvent     EventType = "workflow.created"
	WorkflowStatusEvent      EventType = "workflow.status.changed"
	StepCompletedEvent       EventType = "workflow.step.completed"
	WorkflowCompletedEvent   EventType = "workflow.completed"
	ApprovalGrantedEvent     EventType = "approval.granted"
	ApprovalRejectedEvent    EventType = "approval.rejected"
	NotificationEmittedEvent EventType = "notification.emitted"
	DomainEventType          EventType = "domain.event"
)

// AllTypes lists every event type the bus can decode.
var AllTypes = []EventType{
	WorkflowCreatedEvent,
	WorkflowStatusEvent,
	StepCompletedEvent,
	WorkflowCompletedEvent,
	ApprovalGrantedEvent,
	ApprovalRejectedEvent,
	NotificationEmittedEvent,
	DomainEventType,
}

// Triggering is implemented by events automation rules can react to.
type Triggering interface {
	TriggerKind() models.TriggerKind
	TriggerPayload() map[string]any
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, instance *models.WorkflowInstance) BaseEvent {
	base := BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}

	if instance != nil {
		base.InstanceID = instance.ID
		base.TemplateID = instance.TemplateID
		base.Metadata = maps.Clone(instance.Metadata)
	}

	return base
}

// payload seeds a trigger payload with the instance metadata and identifiers.
// Identifiers are written last so metadata cannot shadow them.
func (b BaseEvent) payload() map[string]any {
	payload := make(map[string]any, len(b.Metadata)+4)
	maps.Copy(payload, b.Metadata)

	payload["event_id"] = b.ID
	payload["event_type"] = string(b.Type)

	if b.InstanceID != "" {
		payload["instance_id"] = b.InstanceID
	}

	if b.TemplateID != "" {
		payload["template_id"] = b.TemplateID
	}

	return payload
}

type WorkflowCreated struct {
	BaseEvent

	SubjectID string `json:"subject_id"`
	Title     string `json:"title"`
	CreatedBy string `json:"created_by,omitempty"`
}

func (e WorkflowCreated) GetType() EventType {
	return WorkflowCreatedEvent
}

func (e WorkflowCreated) TriggerKind() models.TriggerKind {
	return models.TriggerWorkflowCreated
}

func (e WorkflowCreated) TriggerPayload() map[string]any {
	payload := e.payload()
	payload["subject_id"] = e.SubjectID
	payload["title"] = e.Title
	payload["created_by"] = e.CreatedBy

	return payload
}

// WorkflowStatusChanged is published whenever an instance changes status outside
// of normal step advancement.
type WorkflowStatusChanged struct {
	BaseEvent

	From models.WorkflowStatus `json:"from"`
	To   models.WorkflowStatus `json:"to"`
}

func (e WorkflowStatusChanged) GetType() EventType {
	return WorkflowStatusEvent
}

func (e WorkflowStatusChanged) TriggerKind() models.TriggerKind {
	return models.TriggerStatusChanged
}

func (e WorkflowStatusChanged) TriggerPayload() map[string]any {
	payload := e.payload()
	payload["from"] = string(e.From)
	payload["to"] = string(e.To)
	payload["status"] = string(e.To)

	return payload
}

type StepCompleted struct {
	BaseEvent

	StepID   string            `json:"step_id"`
	StepName string            `json:"step_name"`
	StepType models.StepType   `json:"step_type"`
	Outcome  models.StepStatus `json:"outcome"`
	UserID   string            `json:"user_id,omitempty"`
	Progress int               `json:"progress"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

func (e StepCompleted) TriggerKind() models.TriggerKind {
	return models.TriggerStepCompleted
}

func (e StepCompleted) TriggerPayload() map[string]any {
	payload := e.payload()
	payload["step_id"] = e.StepID
	payload["step_name"] = e.StepName
	payload["step_type"] = string(e.StepType)
	payload["outcome"] = string(e.Outcome)
	payload["user_id"] = e.UserID
	payload["progress"] = e.Progress

	return payload
}

type WorkflowCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

func (e WorkflowCompleted) TriggerKind() models.TriggerKind {
	return models.TriggerWorkflowCompleted
}

func (e WorkflowCompleted) TriggerPayload() map[string]any {
	payload := e.payload()
	payload["duration_hours"] = e.Duration.Hours()

	return payload
}

// ApprovalResolved carries the final outcome of an approval request.
type ApprovalResolved struct {
	BaseEvent

	ApprovalID string                `json:"approval_id"`
	StepID     string                `json:"step_id"`
	Status     models.ApprovalStatus `json:"status"`
}

type ApprovalGranted struct {
	ApprovalResolved
}

func (e ApprovalGranted) GetType() EventType {
	return ApprovalGrantedEvent
}

func (e ApprovalGranted) TriggerKind() models.TriggerKind {
	return models.TriggerApprovalGranted
}

func (e ApprovalGranted) TriggerPayload() map[string]any {
	return e.ApprovalResolved.triggerPayload()
}

type ApprovalRejected struct {
	ApprovalResolved
}

func (e ApprovalRejected) GetType() EventType {
	return ApprovalRejectedEvent
}

func (e ApprovalRejected) TriggerKind() models.TriggerKind {
	return models.TriggerApprovalRejected
}

func (e ApprovalRejected) TriggerPayload() map[string]any {
	return e.ApprovalResolved.triggerPayload()
}

func (e ApprovalResolved) triggerPayload() map[string]any {
	payload := e.payload()
	payload["approval_id"] = e.ApprovalID
	payload["step_id"] = e.StepID
	payload["status"] = string(e.Status)

	return payload
}

// NotificationEmitted wraps a notification for delivery through the bus.
type NotificationEmitted struct {
	BaseEvent

	Notification *models.WorkflowNotification `json:"notification"`
}

func (e NotificationEmitted) GetType() EventType {
	return NotificationEmittedEvent
}

// DomainEvent is an external fact, such as a document upload, fed to automation rules.
type DomainEvent struct {
	BaseEvent

	Trigger models.TriggerKind `json:"trigger"`
	Data    map[string]any     `json:"data,omitempty"`
}

func NewDomainEvent(trigger models.TriggerKind, instance *models.WorkflowInstance, data map[string]any) DomainEvent {
	return DomainEvent{
		BaseEvent: NewBaseEvent(DomainEventType, instance),
		Trigger:   trigger,
		Data:      data,
	}
}

func (e DomainEvent) GetType() EventType {
	return DomainEventType
}

func (e DomainEvent) TriggerKind() models.TriggerKind {
	return e.Trigger
}

func (e DomainEvent) TriggerPayload() map[string]any {
	payload := e.payload()
	maps.Copy(payload, e.Data)

	if e.InstanceID != "" {
		payload["instance_id"] = e.InstanceID
	}

	if e.TemplateID != "" {
		payload["template_id"] = e.TemplateID
	}

	return payload
}
