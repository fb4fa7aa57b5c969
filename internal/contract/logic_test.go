package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func logicContract(t *testing.T) *NormalizedContract {
	t.Helper()
	c, err := ParseValue(map[string]any{
		"fields": []any{
			map[string]any{"id": "plan", "type": "select", "options": []any{"free", "pro"}},
			map[string]any{"id": "company", "type": "text", "hidden": true},
			map[string]any{"id": "seats", "type": "number"},
		},
		"logic": []any{
			map[string]any{
				"if":   map[string]any{"id": "plan", "operator": "eq", "value": "pro"},
				"then": map[string]any{"type": "show", "target": "company"},
			},
			map[string]any{
				"if":   map[string]any{"id": "seats", "operator": "gt", "value": float64(100)},
				"then": map[string]any{"type": "hide", "target": "company"},
			},
		},
	})
	assert.NoError(t, err)
	return c
}

func TestEvaluateVisibilityDefaults(t *testing.T) {
	c := logicContract(t)

	visibility := EvaluateVisibility(c, map[string]any{})
	assert.Equal(t, map[string]bool{
		"plan":    true,
		"company": false,
		"seats":   true,
	}, visibility)
}

func TestEvaluateVisibilityRuleShowsField(t *testing.T) {
	c := logicContract(t)

	visibility := EvaluateVisibility(c, map[string]any{"plan": "pro"})
	assert.True(t, visibility["company"])
}

func TestEvaluateVisibilityLaterRuleWins(t *testing.T) {
	c := logicContract(t)

	visibility := EvaluateVisibility(c, map[string]any{
		"plan":  "pro",
		"seats": float64(500),
	})
	assert.False(t, visibility["company"])
}

func TestEvaluateVisibilityAnyMode(t *testing.T) {
	c, err := ParseValue(map[string]any{
		"fields": []any{
			map[string]any{"id": "a", "type": "text"},
			map[string]any{"id": "b", "type": "text"},
			map[string]any{"id": "c", "type": "text", "hidden": true},
		},
		"logic": []any{
			map[string]any{
				"if": map[string]any{"any": []any{
					map[string]any{"id": "a", "operator": "eq", "value": "x"},
					map[string]any{"id": "b", "operator": "eq", "value": "y"},
				}},
				"then": map[string]any{"type": "show", "target": "c"},
			},
		},
	})
	assert.NoError(t, err)

	assert.True(t, EvaluateVisibility(c, map[string]any{"b": "y"})["c"])
	assert.False(t, EvaluateVisibility(c, map[string]any{"a": "z"})["c"])
}

func TestSanitizeDropsInvisibleAndReportsUnknown(t *testing.T) {
	c := logicContract(t)

	visibility := EvaluateVisibility(c, map[string]any{"plan": "free"})
	clean, unknown := Sanitize(c, map[string]any{
		"plan":     "free",
		"company":  "Acme",
		"seats":    float64(3),
		"tracking": "utm",
	}, visibility)

	assert.Equal(t, map[string]any{"plan": "free", "seats": float64(3)}, clean)
	assert.Equal(t, []string{"tracking"}, unknown)
}

func TestConditionMatchesOperators(t *testing.T) {
	tests := []struct {
		name     string
		op       Operator
		value    any
		actual   any
		expected bool
	}{
		{"eq string", OpEq, "pro", "pro", true},
		{"eq mismatched type", OpEq, "3", float64(3), false},
		{"eq structural array", OpEq, []any{"a", "b"}, []any{"a", "b"}, true},
		{"neq", OpNeq, "pro", "free", true},
		{"in hit", OpIn, []any{"a", "b"}, "b", true},
		{"in miss", OpIn, []any{"a", "b"}, "c", false},
		{"not_in", OpNotIn, []any{"a"}, "b", true},
		{"gt numbers", OpGt, float64(5), float64(6), true},
		{"gt numeric strings", OpGt, "5", "10", true},
		{"gte equal", OpGte, float64(5), float64(5), true},
		{"lt dates", OpLt, "2026-02-01", "2026-01-15", true},
		{"lte datetime", OpLte, "2026-01-01T00:00:00Z", "2026-01-01T00:00:00Z", true},
		{"gt unorderable", OpGt, "abc", "def", false},
		{"contains substring", OpContains, "acme", "big acme corp", true},
		{"contains array membership", OpContains, "b", []any{"a", "b"}, true},
		{"not_contains", OpNotContains, "x", "abc", true},
		{"exists non-empty", OpExists, nil, "x", true},
		{"exists blank string", OpExists, nil, "   ", false},
		{"exists empty array", OpExists, nil, []any{}, false},
		{"exists zero number", OpExists, nil, float64(0), true},
		{"not_exists nil", OpNotExists, nil, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := conditionMatches(Condition{FieldID: "f", Op: tc.op, Value: tc.value}, tc.actual)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestRuleMatchesEmptyConditionsNeverFires(t *testing.T) {
	assert.False(t, ruleMatches(NormalizedRule{Mode: ModeAll}, map[string]any{"a": "x"}))
	assert.False(t, ruleMatches(NormalizedRule{Mode: ModeAny}, map[string]any{"a": "x"}))
}
