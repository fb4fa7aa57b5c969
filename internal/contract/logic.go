package contract

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// EvaluateVisibility computes the per-submission visibility map. Every field
// starts at its default; rules apply in declared order and later rules
// overwrite earlier ones for the same target.
func EvaluateVisibility(c *NormalizedContract, data map[string]any) map[string]bool {
	visibility := make(map[string]bool, c.Len())
	for _, id := range c.FieldIDs() {
		field, _ := c.Field(id)
		visibility[id] = field.DefaultVisible
	}

	for _, rule := range c.Rules {
		if !ruleMatches(rule, data) {
			continue
		}
		for _, action := range rule.Actions {
			visibility[action.TargetFieldID] = action.Type == ActionShow
		}
	}

	return visibility
}

// Sanitize drops keys whose field is not visible and reports submitted keys
// that are absent from the registry. Unknown keys are returned in input-map
// iteration-independent sorted order by the caller if needed; here they keep
// first-seen order over the registry-stable key walk.
func Sanitize(c *NormalizedContract, data map[string]any, visibility map[string]bool) (map[string]any, []string) {
	clean := make(map[string]any, len(data))
	var unknown []string

	for key, value := range data {
		if _, exists := c.Field(key); !exists {
			unknown = append(unknown, key)
			continue
		}
		if visibility[key] {
			clean[key] = value
		}
	}

	return clean, unknown
}

func ruleMatches(rule NormalizedRule, data map[string]any) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, condition := range rule.Conditions {
		matched := conditionMatches(condition, data[condition.FieldID])
		if rule.Mode == ModeAny && matched {
			return true
		}
		if rule.Mode != ModeAny && !matched {
			return false
		}
	}
	return rule.Mode != ModeAny
}

func conditionMatches(condition Condition, actual any) bool {
	switch condition.Op {
	case OpEq:
		return structuralEqual(actual, condition.Value)
	case OpNeq:
		return !structuralEqual(actual, condition.Value)
	case OpIn:
		return valueInList(actual, condition.Value)
	case OpNotIn:
		return !valueInList(actual, condition.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return orderedCompare(condition.Op, actual, condition.Value)
	case OpContains:
		return containsValue(actual, condition.Value)
	case OpNotContains:
		return !containsValue(actual, condition.Value)
	case OpExists:
		return valueExists(actual)
	case OpNotExists:
		return !valueExists(actual)
	default:
		return false
	}
}

// structuralEqual compares two decoded JSON values by canonical encoding.
// encoding/json emits object keys in sorted order, which makes the encoded
// form canonical for structural comparison.
func structuralEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

func valueInList(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, entry := range list {
		if structuralEqual(actual, entry) {
			return true
		}
	}
	return false
}

// orderedCompare compares numerically when both sides coerce to finite
// numbers, otherwise as ISO datetimes. Anything else is false.
func orderedCompare(op Operator, actual, expected any) bool {
	if a, okA := coerceNumber(actual); okA {
		if b, okB := coerceNumber(expected); okB {
			return applyOrder(op, a, b)
		}
	}

	at, okA := coerceTime(actual)
	bt, okB := coerceTime(expected)
	if !okA || !okB {
		return false
	}
	switch op {
	case OpGt:
		return at.After(bt)
	case OpGte:
		return at.After(bt) || at.Equal(bt)
	case OpLt:
		return at.Before(bt)
	case OpLte:
		return at.Before(bt) || at.Equal(bt)
	}
	return false
}

func applyOrder(op Operator, a, b float64) bool {
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func coerceTime(value any) (time.Time, bool) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// containsValue is substring when both sides are strings, membership when the
// actual value is an array, otherwise false.
func containsValue(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		if s, ok := expected.(string); ok {
			return strings.Contains(a, s)
		}
		return false
	case []any:
		for _, entry := range a {
			if structuralEqual(entry, expected) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// valueExists is false for nil, empty-after-trim strings, and empty arrays.
func valueExists(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	default:
		return true
	}
}
