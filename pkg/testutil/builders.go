// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"

	"github.com/dukex/contractflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestStep creates a required manual step that can be overridden.
func CreateTestStep(id string, order int, overrides ...func(*models.WorkflowStep)) *models.WorkflowStep {
	step := &models.WorkflowStep{
		ID:             id,
		Name:           "Step " + id,
		Type:           models.StepTypeManual,
		Order:          order,
		EstimatedHours: 8,
		IsRequired:     true,
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithDependencies sets the step dependencies.
func WithDependencies(ids ...string) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Dependencies = ids
	}
}

// WithStepType sets the step type.
func WithStepType(stepType models.StepType) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Type = stepType
	}
}

// WithAssignee sets the step assignee.
func WithAssignee(assignee string) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Assignee = assignee
	}
}

// Skippable marks the step as skippable.
func Skippable() func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.CanSkip = true
	}
}

// Optional marks the step as not required.
func Optional() func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.IsRequired = false
	}
}

// WithActions sets the step actions.
func WithActions(actions ...*models.WorkflowAction) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Actions = actions
	}
}

// SequentialSteps creates n steps where each depends on the previous one.
func SequentialSteps(n int) []*models.WorkflowStep {
	steps := make([]*models.WorkflowStep, 0, n)

	for i := 1; i <= n; i++ {
		var overrides []func(*models.WorkflowStep)
		if i > 1 {
			overrides = append(overrides, WithDependencies(fmt.Sprintf("step-%d", i-1)))
		}

		steps = append(steps, CreateTestStep(fmt.Sprintf("step-%d", i), i, overrides...))
	}

	return steps
}

// CreateTestTemplate creates an active rental template with three sequential
// steps that can be overridden.
func CreateTestTemplate(overrides ...func(*models.WorkflowTemplate)) *models.WorkflowTemplate {
	template := &models.WorkflowTemplate{
		ID:            uuid.New().String(),
		Name:          "Rental agreement",
		ContractType:  "rental",
		Steps:         SequentialSteps(3),
		EstimatedTime: 72,
		IsActive:      true,
	}

	for _, override := range overrides {
		override(template)
	}

	return template
}

// WithTemplateID sets the template id.
func WithTemplateID(id string) func(*models.WorkflowTemplate) {
	return func(t *models.WorkflowTemplate) {
		t.ID = id
	}
}

// WithSteps replaces the template steps.
func WithSteps(steps ...*models.WorkflowStep) func(*models.WorkflowTemplate) {
	return func(t *models.WorkflowTemplate) {
		t.Steps = steps
	}
}

// WithRules sets the automation rules.
func WithRules(rules ...*models.AutomationRule) func(*models.WorkflowTemplate) {
	return func(t *models.WorkflowTemplate) {
		t.AutomationRules = rules
	}
}

// Inactive marks the template as inactive.
func Inactive() func(*models.WorkflowTemplate) {
	return func(t *models.WorkflowTemplate) {
		t.IsActive = false
	}
}

// NotifyAction builds a send_notification action.
func NotifyAction(title string, recipients ...string) *models.WorkflowAction {
	return &models.WorkflowAction{
		Type: models.ActionSendNotification,
		SendNotification: &models.SendNotificationParams{
			Title:      title,
			Message:    title,
			Recipients: recipients,
		},
	}
}

// ApprovalAction builds a request_approval action.
func ApprovalAction(approvers ...string) *models.WorkflowAction {
	return &models.WorkflowAction{
		Type:            models.ActionRequestApproval,
		RequestApproval: &models.RequestApprovalParams{Approvers: approvers},
	}
}
