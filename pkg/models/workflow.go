// Package models defines the core domain models for template-driven contract workflows.
package models

import (
	"cmp"
	"slices"
	"time"
)

// WorkflowTemplate is the immutable blueprint a workflow instance is materialized from.
type WorkflowTemplate struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"                         validate:"required,min=3"`
	Description       string            `json:"description,omitempty"`
	ContractType      string            `json:"contract_type"                validate:"required"`
	Steps             []*WorkflowStep   `json:"steps"                        validate:"required,min=1,dive"`
	EstimatedTime     float64           `json:"estimated_time"               validate:"min=0"` // Hours
	RequiredApprovals []string          `json:"required_approvals,omitempty"`
	AutomationRules   []*AutomationRule `json:"automation_rules,omitempty"   validate:"dive"`
	IsActive          bool              `json:"is_active"`
	Version           int               `json:"version"`
	CreatedBy         string            `json:"created_by,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// SortedSteps returns the template steps ordered by their Order field.
func (t *WorkflowTemplate) SortedSteps() []*WorkflowStep {
	steps := slices.Clone(t.Steps)
	slices.SortStableFunc(steps, func(a, b *WorkflowStep) int {
		return cmp.Compare(a.Order, b.Order)
	})

	return steps
}

// StepByID returns the step with the given id, or nil.
func (t *WorkflowTemplate) StepByID(id string) *WorkflowStep {
	for _, step := range t.Steps {
		if step.ID == id {
			return step
		}
	}

	return nil
}

// EnabledRules returns the enabled automation rules listening to trigger.
func (t *WorkflowTemplate) EnabledRules(trigger TriggerKind) []*AutomationRule {
	rules := make([]*AutomationRule, 0)

	for _, rule := range t.AutomationRules {
		if rule != nil && rule.Enabled && rule.Trigger == trigger {
			rules = append(rules, rule)
		}
	}

	return rules
}
