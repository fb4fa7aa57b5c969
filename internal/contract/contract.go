package contract

import (
	"fmt"
	"regexp"
)

// FieldType enumerates the supported field types of a published schema.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldEmail       FieldType = "email"
	FieldNumber      FieldType = "number"
	FieldTel         FieldType = "tel"
	FieldURL         FieldType = "url"
	FieldDate        FieldType = "date"
	FieldDatetime    FieldType = "datetime"
	FieldTime        FieldType = "time"
	FieldRadio       FieldType = "radio"
	FieldSelect      FieldType = "select"
	FieldMultiselect FieldType = "multiselect"
	FieldCheckbox    FieldType = "checkbox"
	FieldBoolean     FieldType = "boolean"
	FieldRating      FieldType = "rating"
)

var supportedFieldTypes = map[FieldType]struct{}{
	FieldText: {}, FieldTextarea: {}, FieldEmail: {}, FieldNumber: {},
	FieldTel: {}, FieldURL: {}, FieldDate: {}, FieldDatetime: {},
	FieldTime: {}, FieldRadio: {}, FieldSelect: {}, FieldMultiselect: {},
	FieldCheckbox: {}, FieldBoolean: {}, FieldRating: {},
}

// optionRequiredTypes are the types that must carry a non-empty options list.
var optionRequiredTypes = map[FieldType]struct{}{
	FieldRadio: {}, FieldSelect: {}, FieldMultiselect: {},
}

// NormalizedField is the strict in-memory representation of one schema field.
type NormalizedField struct {
	ID             string
	Type           FieldType
	DefaultVisible bool
	Required       bool
	Min            *float64
	Max            *float64
	MinLength      *int
	MaxLength      *int
	Pattern        *regexp.Regexp
	Options        []OptionValue
}

// OptionValue holds one allowed option for choice fields. Key is the
// (type, string(value)) canonicalization used to match submitted values.
type OptionValue struct {
	Raw any
	Key string
}

// HasOption reports whether a submitted primitive matches one of the options.
func (f *NormalizedField) HasOption(value any) bool {
	key, ok := canonicalOptionKey(value)
	if !ok {
		return false
	}
	for _, opt := range f.Options {
		if opt.Key == key {
			return true
		}
	}
	return false
}

// canonicalOptionKey canonicalizes a primitive to a (type, string) key so a
// submitted 3 matches an option 3 but not an option "3".
func canonicalOptionKey(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return "string:" + v, true
	case float64:
		return fmt.Sprintf("number:%v", v), true
	case int:
		return fmt.Sprintf("number:%v", float64(v)), true
	case int64:
		return fmt.Sprintf("number:%v", float64(v)), true
	case bool:
		return fmt.Sprintf("boolean:%t", v), true
	default:
		return "", false
	}
}

// RuleMode quantifies rule conditions.
type RuleMode string

const (
	ModeAll RuleMode = "all"
	ModeAny RuleMode = "any"
)

// Operator is a normalized condition operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Condition is one normalized rule condition.
type Condition struct {
	FieldID string
	Op      Operator
	Value   any
}

// ActionType is the normalized visibility action.
type ActionType string

const (
	ActionShow ActionType = "show"
	ActionHide ActionType = "hide"
)

// Action applies a visibility change to a target field.
type Action struct {
	Type          ActionType
	TargetFieldID string
}

// NormalizedRule is one normalized logic rule.
type NormalizedRule struct {
	Mode       RuleMode
	Conditions []Condition
	Actions    []Action
}

// NormalizedContract is the parsed form contract: an insertion-ordered field
// registry plus an ordered rule list.
type NormalizedContract struct {
	fields map[string]*NormalizedField
	order  []string
	Rules  []NormalizedRule
}

// Field looks up a field by id.
func (c *NormalizedContract) Field(id string) (*NormalizedField, bool) {
	f, ok := c.fields[id]
	return f, ok
}

// FieldIDs returns field ids in declaration order.
func (c *NormalizedContract) FieldIDs() []string {
	return c.order
}

// Len returns the number of registered fields.
func (c *NormalizedContract) Len() int {
	return len(c.order)
}

func (c *NormalizedContract) addField(f *NormalizedField) {
	c.fields[f.ID] = f
	c.order = append(c.order, f.ID)
}

// SchemaError reports why a published schema cannot be accepted. Parsing is
// fail-closed: the first fault stops parsing.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 0 {
		return "unsupported form schema"
	}
	return "unsupported form schema: " + e.Issues[0]
}

func schemaErrf(format string, args ...any) *SchemaError {
	return &SchemaError{Issues: []string{fmt.Sprintf(format, args...)}}
}

// FieldIssue is one value-level validation failure.
type FieldIssue struct {
	FieldID string `json:"field_id"`
	Message string `json:"message"`
}
