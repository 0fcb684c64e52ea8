package models

import "slices"

// ConditionOperator is the comparison applied between an event field and a condition value.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	OperatorContains    ConditionOperator = "contains"
	OperatorNotContains ConditionOperator = "not_contains"
	OperatorIn          ConditionOperator = "in"
	OperatorNotIn       ConditionOperator = "not_in"
)

var knownOperators = []ConditionOperator{
	OperatorEquals,
	OperatorNotEquals,
	OperatorGreaterThan,
	OperatorLessThan,
	OperatorContains,
	OperatorNotContains,
	OperatorIn,
	OperatorNotIn,
}

// IsKnown reports whether the operator is supported by the condition evaluator.
func (o ConditionOperator) IsKnown() bool {
	return slices.Contains(knownOperators, o)
}

// LogicalOperator chains a condition to the one that follows it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// AutomationCondition is a single field/operator/value test against an event payload.
// LogicalOperator combines this condition with the next one in the list.
type AutomationCondition struct {
	Field           string            `json:"field"                      validate:"required"`
	Operator        ConditionOperator `json:"operator"                   validate:"required"`
	Value           any               `json:"value"`
	LogicalOperator LogicalOperator   `json:"logical_operator,omitempty"`
}
