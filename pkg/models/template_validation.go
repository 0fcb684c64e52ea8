package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTemplate indicates a template whose step graph or rules cannot be executed.
var ErrInvalidTemplate = errors.New("invalid template")

// TemplateValidationError lists every problem found in a template.
type TemplateValidationError struct {
	TemplateID string
	Problems   []string
}

func (e *TemplateValidationError) Error() string {
	return fmt.Sprintf("invalid template %s: %s", e.TemplateID, strings.Join(e.Problems, "; "))
}

func (e *TemplateValidationError) Is(target error) bool {
	return target == ErrInvalidTemplate
}

// Validate checks the step graph and automation rules.
//
// Step ids and orders must be unique, and every dependency must reference another
// step of the same template with a strictly lower order. Ordering dependencies by
// Order makes the graph acyclic and guarantees the first step is startable.
func (t *WorkflowTemplate) Validate() error {
	var problems []string

	if len(t.Steps) == 0 {
		problems = append(problems, "template must have at least one step")
	}

	byID := make(map[string]*WorkflowStep, len(t.Steps))
	orders := make(map[int]string, len(t.Steps))

	for i, step := range t.Steps {
		if step == nil {
			problems = append(problems, fmt.Sprintf("step %d is empty", i))

			continue
		}

		if step.ID == "" {
			problems = append(problems, fmt.Sprintf("step %d has no id", i))

			continue
		}

		if _, exists := byID[step.ID]; exists {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", step.ID))
		}

		byID[step.ID] = step

		if other, exists := orders[step.Order]; exists {
			problems = append(problems, fmt.Sprintf("steps %q and %q share order %d", other, step.ID, step.Order))
		}

		orders[step.Order] = step.ID

		for j, action := range step.Actions {
			if action == nil {
				problems = append(problems, fmt.Sprintf("step %q action %d is empty", step.ID, j))

				continue
			}

			if err := action.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("step %q action %d: %v", step.ID, j, err))
			}
		}
	}

	for _, step := range t.Steps {
		if step == nil || step.ID == "" {
			continue
		}

		for _, dependency := range step.Dependencies {
			dep, exists := byID[dependency]

			switch {
			case !exists:
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", step.ID, dependency))
			case dep.ID == step.ID:
				problems = append(problems, fmt.Sprintf("step %q depends on itself", step.ID))
			case dep.Order >= step.Order:
				problems = append(problems, fmt.Sprintf(
					"step %q (order %d) depends on later step %q (order %d)",
					step.ID, step.Order, dep.ID, dep.Order,
				))
			}
		}
	}

	problems = append(problems, t.validateRules()...)

	if len(problems) > 0 {
		return &TemplateValidationError{TemplateID: t.ID, Problems: problems}
	}

	return nil
}

func (t *WorkflowTemplate) validateRules() []string {
	var problems []string

	ruleIDs := make(map[string]bool, len(t.AutomationRules))

	for i, rule := range t.AutomationRules {
		if rule == nil {
			problems = append(problems, fmt.Sprintf("automation rule %d is empty", i))

			continue
		}

		if ruleIDs[rule.ID] {
			problems = append(problems, fmt.Sprintf("duplicate automation rule id %q", rule.ID))
		}

		ruleIDs[rule.ID] = true

		if rule.Trigger == "" {
			problems = append(problems, fmt.Sprintf("automation rule %q has no trigger", rule.ID))
		}

		for j, condition := range rule.Conditions {
			if !condition.Operator.IsKnown() {
				problems = append(problems, fmt.Sprintf(
					"automation rule %q condition %d uses unknown operator %q", rule.ID, j, condition.Operator,
				))
			}

			switch LogicalOperator(strings.ToUpper(string(condition.LogicalOperator))) {
			case "", LogicalAnd, LogicalOr:
			default:
				problems = append(problems, fmt.Sprintf(
					"automation rule %q condition %d uses unknown logical operator %q",
					rule.ID, j, condition.LogicalOperator,
				))
			}
		}

		for j, action := range rule.Actions {
			if action == nil {
				problems = append(problems, fmt.Sprintf("automation rule %q action %d is empty", rule.ID, j))

				continue
			}

			if err := action.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("automation rule %q action %d: %v", rule.ID, j, err))
			}
		}
	}

	return problems
}
