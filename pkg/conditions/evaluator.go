// Package conditions evaluates automation rule conditions against event payloads.
//
// Conditions fold strictly left to right: the logical operator attached to a
// condition combines the running result with the condition that follows it, so
// [a AND, b OR, c] evaluates as ((a AND b) OR c). There is no precedence.
//
// A field missing from the event fails equals, contains, in and the
// comparisons, and satisfies not_equals, not_contains and not_in. A present
// field of the wrong shape fails every operator.
package conditions

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/dukex/contractflow/pkg/models"
)

// ErrUnknownOperator is returned by EvaluateStrict for operators the evaluator does not support.
var ErrUnknownOperator = errors.New("unknown condition operator")

// Evaluate reports whether event satisfies conditions. An empty list is satisfied.
// Unknown operators evaluate to false.
func Evaluate(conditions []models.AutomationCondition, event map[string]any) bool {
	result, _ := fold(conditions, event)

	return result
}

// EvaluateStrict behaves like Evaluate but reports the first unknown operator it meets.
func EvaluateStrict(conditions []models.AutomationCondition, event map[string]any) (bool, error) {
	return fold(conditions, event)
}

func fold(conditions []models.AutomationCondition, event map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}

	var firstErr error

	result := false
	combine := models.LogicalAnd

	for i, condition := range conditions {
		matched, err := evaluateOne(condition, event)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		if i == 0 {
			result = matched
		} else if combine == models.LogicalOr {
			result = result || matched
		} else {
			result = result && matched
		}

		combine = models.LogicalOperator(strings.ToUpper(string(condition.LogicalOperator)))
		if combine == "" {
			combine = models.LogicalAnd
		}
	}

	return result, firstErr
}

func evaluateOne(condition models.AutomationCondition, event map[string]any) (bool, error) {
	actual, found := Lookup(event, condition.Field)

	switch condition.Operator {
	case models.OperatorEquals:
		return found && equal(actual, condition.Value), nil
	case models.OperatorNotEquals:
		return !found || !equal(actual, condition.Value), nil
	case models.OperatorGreaterThan:
		cmp, ok := compare(actual, condition.Value)

		return found && ok && cmp > 0, nil
	case models.OperatorLessThan:
		cmp, ok := compare(actual, condition.Value)

		return found && ok && cmp < 0, nil
	case models.OperatorContains:
		contained, ok := contains(actual, condition.Value)

		return found && ok && contained, nil
	case models.OperatorNotContains:
		contained, ok := contains(actual, condition.Value)

		return !found || (ok && !contained), nil
	case models.OperatorIn:
		member, ok := memberOf(actual, condition.Value)

		return found && ok && member, nil
	case models.OperatorNotIn:
		member, ok := memberOf(actual, condition.Value)

		return !found || (ok && !member), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, condition.Operator)
	}
}

// Lookup resolves a field in event. A key matching the whole field wins;
// otherwise dotted segments walk nested maps.
func Lookup(event map[string]any, field string) (any, bool) {
	if event == nil || field == "" {
		return nil, false
	}

	if value, ok := event[field]; ok {
		return value, true
	}

	current := any(event)

	for segment := range strings.SplitSeq(field, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}

	return reflect.DeepEqual(a, b)
}

// compare orders numbers, times and RFC 3339 strings. ok is false when the values
// are not mutually comparable.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok || math.IsNaN(af) || math.IsNaN(bf) {
			return 0, false
		}

		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	at, ok := toTime(a)
	if !ok {
		return 0, false
	}

	bt, ok := toTime(b)
	if !ok {
		return 0, false
	}

	return at.Compare(bt), true
}

// contains is substring on strings and membership on collections.
func contains(haystack, needle any) (bool, bool) {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		if !ok {
			return false, false
		}

		return strings.Contains(s, n), true
	}

	return memberOf(needle, haystack)
}

func memberOf(item, collection any) (bool, bool) {
	if collection == nil {
		return false, false
	}

	value := reflect.ValueOf(collection)
	if value.Kind() != reflect.Slice && value.Kind() != reflect.Array {
		return false, false
	}

	for i := range value.Len() {
		if equal(item, value.Index(i).Interface()) {
			return true, true
		}
	}

	return false, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}

		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)

		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}
