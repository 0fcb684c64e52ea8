package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dukex/contractflow/pkg/conditions"
	"github.com/dukex/contractflow/pkg/events"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/otelhelper"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// MaxAutomationDepth bounds chains of trigger_automation actions re-entering the rule engine.
const MaxAutomationDepth = 5

// AutomationDepthKey carries the chain depth in domain event payloads.
const AutomationDepthKey = "automation_depth"

const emailChannel = "email"

// ApplyAction interprets one workflow action against an instance. Guard
// conditions are evaluated against payload first; an action whose guard does
// not hold is skipped without error. Delays are the caller's concern.
func (s *Instances) ApplyAction(
	ctx context.Context,
	instanceID string,
	action *models.WorkflowAction,
	payload map[string]any,
) error {
	const op = "Instances.ApplyAction"

	if action == nil {
		return newError(op, instanceID, ErrValidation, "action is required")
	}

	ctx, span := otelhelper.StartSpan(ctx, s.cfg.tracer, "instances.apply_action",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.ActionTypeKey, string(action.Type)),
	)
	defer span.End()

	err := action.Validate()
	if err != nil {
		return newError(op, instanceID, ErrValidation, "%v", err)
	}

	ok, err := conditions.EvaluateStrict(action.Conditions, payload)
	if err != nil {
		return newError(op, instanceID, ErrValidation, "%v", err)
	}

	if !ok {
		s.logger.DebugContext(ctx, "Action guard not satisfied", "instance_id", instanceID, "action_type", action.Type)

		return nil
	}

	instance, err := s.GetWorkflow(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status.IsTerminal() {
		return newError(op, instanceID, ErrInstanceTerminal, "workflow is %s", instance.Status)
	}

	switch action.Type {
	case models.ActionSendNotification:
		s.sendNotification(ctx, instance, action.SendNotification, payload)
	case models.ActionSendEmail:
		err = s.sendEmail(ctx, instance, action.SendEmail, payload)
	case models.ActionCreateReminder:
		s.createReminder(ctx, instance, action.CreateReminder, payload)
	case models.ActionRequestApproval:
		err = s.requestApproval(ctx, instance, action.RequestApproval, payload)
	case models.ActionUpdateStatus:
		status := action.UpdateStatus.Status
		_, err = s.UpdateWorkflow(ctx, instanceID, WorkflowPatch{Status: &status})
	case models.ActionAssignTask:
		err = s.assignTask(ctx, instance, action.AssignTask, payload)
	case models.ActionGenerateDocument:
		err = s.generateDocument(ctx, instanceID, action.GenerateDocument, payload)
	case models.ActionTriggerAutomation:
		err = s.triggerAutomation(ctx, instance, action.TriggerAutomation, payload)
	default:
		err = newError(op, instanceID, ErrValidation, "unknown action type %q", action.Type)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	s.logger.DebugContext(ctx, "Action applied", "instance_id", instanceID, "action_type", action.Type)

	return nil
}

func (s *Instances) sendNotification(
	ctx context.Context,
	instance *models.WorkflowInstance,
	params *models.SendNotificationParams,
	payload map[string]any,
) {
	notificationType := params.NotificationType
	if notificationType == "" {
		notificationType = models.NotificationTaskAssigned
	}

	recipients := params.Recipients
	if len(recipients) == 0 {
		recipients = instanceRecipients(instance)
	}

	s.deliver(ctx, &models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       notificationType,
		Title:      params.Title,
		Message:    params.Message,
		InstanceID: instance.ID,
		StepID:     payloadString(payload, "step_id"),
		Recipients: slices.Clone(recipients),
		CreatedAt:  s.cfg.clock(),
	})
}

func (s *Instances) sendEmail(
	ctx context.Context,
	instance *models.WorkflowInstance,
	params *models.SendEmailParams,
	payload map[string]any,
) error {
	if len(params.To) == 0 {
		return newError("Instances.ApplyAction", instance.ID, ErrValidation, "send_email needs at least one recipient")
	}

	s.deliver(ctx, &models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationTaskAssigned,
		Title:      params.Subject,
		Message:    params.Body,
		InstanceID: instance.ID,
		StepID:     payloadString(payload, "step_id"),
		Channel:    emailChannel,
		Recipients: slices.Clone(params.To),
		CreatedAt:  s.cfg.clock(),
	})

	return nil
}

func (s *Instances) createReminder(
	ctx context.Context,
	instance *models.WorkflowInstance,
	params *models.CreateReminderParams,
	payload map[string]any,
) {
	recipients := params.Recipients
	if len(recipients) == 0 {
		if assignee := payloadString(payload, "assignee"); assignee != "" {
			recipients = []string{assignee}
		} else {
			recipients = instanceRecipients(instance)
		}
	}

	notification := &models.WorkflowNotification{
		ID:         uuid.New().String(),
		Type:       models.NotificationDeadlineApproaching,
		Title:      "Reminder: " + instance.Title,
		Message:    params.Message,
		InstanceID: instance.ID,
		StepID:     payloadString(payload, "step_id"),
		Recipients: slices.Clone(recipients),
	}

	if params.InHours <= 0 {
		notification.CreatedAt = s.cfg.clock()
		s.deliver(ctx, notification)

		return
	}

	detached := context.WithoutCancel(ctx)

	s.cfg.afterFunc(time.Duration(params.InHours*float64(time.Hour)), func() {
		notification.CreatedAt = s.cfg.clock()
		s.deliver(detached, notification)
	})
}

// deliver hands a notification to the sink. Failures are logged and swallowed.
func (s *Instances) deliver(ctx context.Context, notification *models.WorkflowNotification) {
	if len(notification.Recipients) == 0 {
		return
	}

	err := s.cfg.sink.Notify(ctx, notification)
	if err != nil {
		s.logger.WarnContext(ctx, "Notification delivery failed",
			"notification_id", notification.ID,
			"type", notification.Type,
			"error", err,
		)
	}
}

func (s *Instances) requestApproval(
	ctx context.Context,
	instance *models.WorkflowInstance,
	params *models.RequestApprovalParams,
	payload map[string]any,
) error {
	step, err := targetStep(instance, payloadString(payload, "step_id"))
	if err != nil {
		return err
	}

	approvers := make([]ApproverInput, 0, len(params.Approvers)+len(params.Optional))
	for _, userID := range params.Approvers {
		approvers = append(approvers, ApproverInput{UserID: userID})
	}

	for _, userID := range params.Optional {
		approvers = append(approvers, ApproverInput{UserID: userID, Optional: true})
	}

	if len(approvers) == 0 {
		approvers = s.cfg.router(instance, step)
	}

	_, err = s.approvals.CreateApprovalRequest(ctx, ApprovalRequestInput{
		InstanceID:  instance.ID,
		StepID:      step.StepID,
		Title:       params.Title,
		Description: params.Description,
		RequestedBy: SystemUser,
		Approvers:   approvers,
		Documents:   step.Attachments,
	})

	return err
}

func (s *Instances) assignTask(
	ctx context.Context,
	instance *models.WorkflowInstance,
	params *models.AssignTaskParams,
	payload map[string]any,
) error {
	stepID := params.StepID
	if stepID == "" {
		step, err := targetStep(instance, payloadString(payload, "step_id"))
		if err != nil {
			return err
		}

		stepID = step.StepID
	}

	_, err := s.UpdateWorkflow(ctx, instance.ID, WorkflowPatch{
		StepAssignees: map[string]string{stepID: params.Assignee},
	})

	return err
}

func (s *Instances) generateDocument(
	ctx context.Context,
	instanceID string,
	params *models.GenerateDocumentParams,
	payload map[string]any,
) error {
	format := params.Format
	if format == "" {
		format = "pdf"
	}

	_, err := s.mutate(ctx, "Instances.ApplyAction", instanceID,
		func(instance *models.WorkflowInstance, _ time.Time, _ *effects) error {
			step, err := targetStep(instance, payloadString(payload, "step_id"))
			if err != nil {
				return err
			}

			step.Attachments = append(step.Attachments, fmt.Sprintf("generated://%s/%s.%s", instance.ID, params.Template, format))

			return nil
		})

	return err
}

func (s *Instances) triggerAutomation(
	ctx context.Context,
	instance *models.WorkflowInstance,
	params *models.TriggerAutomationParams,
	payload map[string]any,
) error {
	depth := payloadInt(payload, AutomationDepthKey)
	if depth >= MaxAutomationDepth {
		return newError("Instances.ApplyAction", instance.ID, ErrAutomationTooDeep,
			"trigger_automation chained %d times", depth)
	}

	if s.cfg.publisher == nil {
		s.logger.WarnContext(ctx, "No publisher configured, automation not triggered", "trigger", params.Trigger)

		return nil
	}

	data := maps.Clone(params.Payload)
	if data == nil {
		data = make(map[string]any, 1)
	}

	data[AutomationDepthKey] = depth + 1

	return s.cfg.publisher.Publish(ctx, instance.ID, events.NewDomainEvent(params.Trigger, instance, data))
}

// targetStep is the step named by stepID when it is active, otherwise the
// instance's active step.
func targetStep(instance *models.WorkflowInstance, stepID string) (*models.WorkflowStepInstance, error) {
	if stepID != "" {
		if step := instance.FindStep(stepID); step != nil && step.Status == models.StepStatusActive {
			return step, nil
		}
	}

	if step := instance.ActiveStep(); step != nil {
		return step, nil
	}

	return nil, newError("Instances.ApplyAction", instance.ID, ErrNoActiveStep, "")
}

func payloadString(payload map[string]any, key string) string {
	value, _ := payload[key].(string)

	return value
}

func payloadInt(payload map[string]any, key string) int {
	switch value := payload[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}
