package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstance() *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:         "wf-123",
		TemplateID: "tpl-rental",
		Metadata: map[string]any{
			"type":        "rental",
			"instance_id": "spoofed",
		},
	}
}

func TestNewBaseEvent(t *testing.T) {
	instance := testInstance()

	base := NewBaseEvent(StepCompletedEvent, instance)

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, StepCompletedEvent, base.Type)
	assert.Equal(t, "wf-123", base.InstanceID)
	assert.Equal(t, "tpl-rental", base.TemplateID)
	assert.False(t, base.Timestamp.IsZero())

	base.Metadata["type"] = "employment"
	assert.Equal(t, "rental", instance.Metadata["type"], "metadata must be copied")
}

func TestStepCompleted_TriggerPayload(t *testing.T) {
	event := StepCompleted{
		BaseEvent: NewBaseEvent(StepCompletedEvent, testInstance()),
		StepID:    "review",
		StepType:  models.StepTypeManual,
		Outcome:   models.StepStatusCompleted,
		Progress:  33,
	}

	assert.Equal(t, StepCompletedEvent, event.GetType())
	assert.Equal(t, models.TriggerStepCompleted, event.TriggerKind())

	payload := event.TriggerPayload()
	assert.Equal(t, "wf-123", payload["instance_id"], "identifiers win over metadata")
	assert.Equal(t, "tpl-rental", payload["template_id"])
	assert.Equal(t, "rental", payload["type"])
	assert.Equal(t, "review", payload["step_id"])
	assert.Equal(t, "completed", payload["outcome"])
	assert.Equal(t, 33, payload["progress"])
}

func TestApprovalEvents_TriggerKinds(t *testing.T) {
	resolved := ApprovalResolved{
		BaseEvent:  NewBaseEvent(ApprovalGrantedEvent, testInstance()),
		ApprovalID: "apr-1",
		StepID:     "sign",
		Status:     models.ApprovalStatusApproved,
	}

	granted := ApprovalGranted{ApprovalResolved: resolved}
	assert.Equal(t, ApprovalGrantedEvent, granted.GetType())
	assert.Equal(t, models.TriggerApprovalGranted, granted.TriggerKind())
	assert.Equal(t, "apr-1", granted.TriggerPayload()["approval_id"])

	rejected := ApprovalRejected{ApprovalResolved: resolved}
	assert.Equal(t, ApprovalRejectedEvent, rejected.GetType())
	assert.Equal(t, models.TriggerApprovalRejected, rejected.TriggerKind())
}

func TestDomainEvent_DataMergedIntoPayload(t *testing.T) {
	event := NewDomainEvent(models.TriggerDocumentUploaded, testInstance(), map[string]any{
		"document":    "lease.pdf",
		"instance_id": "other",
	})

	assert.Equal(t, DomainEventType, event.GetType())
	assert.Equal(t, models.TriggerDocumentUploaded, event.TriggerKind())

	payload := event.TriggerPayload()
	assert.Equal(t, "lease.pdf", payload["document"])
	assert.Equal(t, "wf-123", payload["instance_id"])
}

func TestDomainEvent_WithoutInstanceKeepsDataIdentifiers(t *testing.T) {
	event := NewDomainEvent(models.TriggerDateReached, nil, map[string]any{
		"instance_id": "wf-9",
	})

	assert.Equal(t, "wf-9", event.TriggerPayload()["instance_id"])
}

func TestNotificationEmitted_JSONSerialization(t *testing.T) {
	original := &NotificationEmitted{
		BaseEvent: NewBaseEvent(NotificationEmittedEvent, testInstance()),
		Notification: &models.WorkflowNotification{
			ID:         "n-1",
			Type:       models.NotificationTaskAssigned,
			Title:      "Review contract",
			Recipients: []string{"alice"},
		},
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"type":"notification.emitted"`)
	assert.Contains(t, string(jsonData), `"instance_id":"wf-123"`)

	var deserialized NotificationEmitted

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)
	require.NotNil(t, deserialized.Notification)
	assert.Equal(t, models.NotificationTaskAssigned, deserialized.Notification.Type)
	assert.Equal(t, []string{"alice"}, deserialized.Notification.Recipients)
}
