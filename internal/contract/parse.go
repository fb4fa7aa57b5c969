package contract

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
)

// Alias sets are fixed lookups. Do not extend them at runtime.
var (
	idAliases   = []string{"id", "field_id", "fieldId", "key", "name"}
	typeAliases = []string{"type", "field_type", "fieldType"}

	conditionAliases = []string{"if", "when", "conditions"}
	actionAliases    = []string{"then", "action", "actions"}

	targetAliases = []string{"target", "target_field_id", "targetFieldId", "field", "field_id", "fieldId"}

	validationKeys = map[string]struct{}{
		"required": {}, "min": {}, "max": {}, "minLength": {},
		"maxLength": {}, "pattern": {}, "options": {},
	}

	operatorAliases = map[string]Operator{
		"eq": OpEq, "=": OpEq, "==": OpEq,
		"neq": OpNeq, "!=": OpNeq, "<>": OpNeq,
		"gt": OpGt, ">": OpGt,
		"gte": OpGte, ">=": OpGte,
		"lt": OpLt, "<": OpLt,
		"lte": OpLte, "<=": OpLte,
		"in":  OpIn,
		"nin": OpNotIn, "not_in": OpNotIn,
		"contains": OpContains, "includes": OpContains,
		"not_contains": OpNotContains, "not_includes": OpNotContains,
		"exists": OpExists, "not_exists": OpNotExists,
	}
)

// Parse normalizes an arbitrary JSON value claimed to be a published schema
// into a NormalizedContract. Any violation of the contract rules yields a
// *SchemaError describing the first fault; parsing is strict and fail-closed.
func Parse(raw json.RawMessage) (*NormalizedContract, error) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, schemaErrf("schema is not valid JSON: %v", err)
	}
	return ParseValue(root)
}

// ParseValue normalizes an already-decoded schema value.
func ParseValue(root any) (*NormalizedContract, error) {
	rootObj, ok := root.(map[string]any)
	if !ok {
		return nil, schemaErrf("schema root must be an object")
	}

	contract := &NormalizedContract{fields: make(map[string]*NormalizedField)}

	fieldDefs, err := collectFieldDefs(rootObj)
	if err != nil {
		return nil, err
	}

	for _, def := range fieldDefs {
		field, err := parseField(def)
		if err != nil {
			return nil, err
		}
		if _, exists := contract.fields[field.ID]; exists {
			return nil, schemaErrf("duplicate field id %q", field.ID)
		}
		contract.addField(field)
	}

	if rawLogic, present := rootObj["logic"]; present && rawLogic != nil {
		rules, err := parseLogic(rawLogic, contract)
		if err != nil {
			return nil, err
		}
		contract.Rules = rules
	}

	return contract, nil
}

// collectFieldDefs gathers field definitions from the top-level fields array
// and from each step's fields array, in declaration order.
func collectFieldDefs(root map[string]any) ([]map[string]any, error) {
	var defs []map[string]any

	appendFields := func(raw any, where string) error {
		list, ok := raw.([]any)
		if !ok {
			return schemaErrf("%s must be an array", where)
		}
		for _, entry := range list {
			obj, ok := entry.(map[string]any)
			if !ok {
				return schemaErrf("%s entries must be objects", where)
			}
			defs = append(defs, obj)
		}
		return nil
	}

	if raw, present := root["fields"]; present && raw != nil {
		if err := appendFields(raw, "fields"); err != nil {
			return nil, err
		}
	}

	if raw, present := root["steps"]; present && raw != nil {
		steps, ok := raw.([]any)
		if !ok {
			return nil, schemaErrf("steps must be an array")
		}
		for _, entry := range steps {
			step, ok := entry.(map[string]any)
			if !ok {
				return nil, schemaErrf("steps entries must be objects")
			}
			if rawFields, present := step["fields"]; present && rawFields != nil {
				if err := appendFields(rawFields, "step fields"); err != nil {
					return nil, err
				}
			}
		}
	}

	return defs, nil
}

func parseField(def map[string]any) (*NormalizedField, error) {
	id := resolveAlias(def, idAliases)
	if id == "" {
		return nil, schemaErrf("field is missing an id")
	}

	rawType := resolveAlias(def, typeAliases)
	if rawType == "" {
		return nil, schemaErrf("field %q is missing a type", id)
	}
	fieldType := FieldType(rawType)
	if _, ok := supportedFieldTypes[fieldType]; !ok {
		return nil, schemaErrf("field %q has unsupported type %q", id, rawType)
	}

	field := &NormalizedField{
		ID:             id,
		Type:           fieldType,
		DefaultVisible: true,
	}

	if rawHidden, present := def["hidden"]; present && rawHidden != nil {
		hidden, ok := rawHidden.(bool)
		if !ok {
			return nil, schemaErrf("field %q: hidden must be a boolean", id)
		}
		field.DefaultVisible = !hidden
	}

	// Validators may appear directly on the field or inside a validation
	// or rules container. Container keys are restricted to the supported
	// validator set; later sources override earlier ones.
	if err := applyValidators(field, def); err != nil {
		return nil, err
	}
	for _, container := range []string{"validation", "rules"} {
		rawContainer, present := def[container]
		if !present || rawContainer == nil {
			continue
		}
		obj, ok := rawContainer.(map[string]any)
		if !ok {
			return nil, schemaErrf("field %q: %s must be an object", id, container)
		}
		for key := range obj {
			if _, supported := validationKeys[key]; !supported {
				return nil, schemaErrf("field %q: unsupported validation key %q", id, key)
			}
		}
		if err := applyValidators(field, obj); err != nil {
			return nil, err
		}
	}

	if _, needsOptions := optionRequiredTypes[field.Type]; needsOptions && len(field.Options) == 0 {
		return nil, schemaErrf("field %q of type %q requires a non-empty options list", id, field.Type)
	}

	return field, nil
}

// applyValidators extracts supported validator keys from src into field.
// src is either the field object itself, where unrelated keys (label,
// placeholder, ...) are ignored, or a validation container.
func applyValidators(field *NormalizedField, src map[string]any) error {
	if raw, present := src["required"]; present && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return schemaErrf("field %q: required must be a boolean", field.ID)
		}
		field.Required = b
	}

	for _, key := range []string{"min", "max"} {
		raw, present := src[key]
		if !present || raw == nil {
			continue
		}
		n, ok := finiteNumber(raw)
		if !ok {
			return schemaErrf("field %q: %s must be a finite number", field.ID, key)
		}
		v := n
		if key == "min" {
			field.Min = &v
		} else {
			field.Max = &v
		}
	}

	for _, key := range []string{"minLength", "maxLength"} {
		raw, present := src[key]
		if !present || raw == nil {
			continue
		}
		n, ok := finiteNumber(raw)
		if !ok {
			return schemaErrf("field %q: %s must be a finite number", field.ID, key)
		}
		v := int(n)
		if key == "minLength" {
			field.MinLength = &v
		} else {
			field.MaxLength = &v
		}
	}

	if raw, present := src["pattern"]; present && raw != nil {
		pattern, ok := raw.(string)
		if !ok {
			return schemaErrf("field %q: pattern must be a string", field.ID)
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return schemaErrf("field %q: pattern is not a valid regular expression", field.ID)
		}
		field.Pattern = compiled
	}

	if raw, present := src["options"]; present && raw != nil {
		options, err := parseOptions(field.ID, raw)
		if err != nil {
			return err
		}
		field.Options = options
	}

	return nil
}

func parseOptions(fieldID string, raw any) ([]OptionValue, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, schemaErrf("field %q: options must be an array", fieldID)
	}

	options := make([]OptionValue, 0, len(list))
	for _, entry := range list {
		primitive, ok := extractOptionPrimitive(entry)
		if !ok {
			return nil, schemaErrf("field %q: options entries must be primitives or objects holding a primitive", fieldID)
		}
		key, ok := canonicalOptionKey(primitive)
		if !ok {
			return nil, schemaErrf("field %q: options entries must be primitives", fieldID)
		}
		options = append(options, OptionValue{Raw: primitive, Key: key})
	}
	return options, nil
}

// extractOptionPrimitive accepts a primitive directly or extracts one from an
// object under the id-alias key set (id, field_id, fieldId, key, name) plus
// value/label, which option objects commonly carry.
func extractOptionPrimitive(entry any) (any, bool) {
	switch v := entry.(type) {
	case string, float64, bool:
		return v, true
	case map[string]any:
		for _, alias := range append([]string{"value"}, idAliases...) {
			raw, present := v[alias]
			if !present || raw == nil {
				continue
			}
			switch raw.(type) {
			case string, float64, bool:
				return raw, true
			}
		}
		return nil, false
	default:
		return nil, false
	}
}

func parseLogic(raw any, contract *NormalizedContract) ([]NormalizedRule, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, schemaErrf("logic must be an array")
	}

	var rules []NormalizedRule
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, schemaErrf("logic entries must be objects")
		}
		if ruleDisabled(obj) {
			continue
		}

		rule, err := parseRule(i, obj, contract)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleDisabled(obj map[string]any) bool {
	for _, key := range []string{"enabled", "isActive"} {
		if raw, present := obj[key]; present {
			if b, ok := raw.(bool); ok && !b {
				return true
			}
		}
	}
	return false
}

func parseRule(index int, obj map[string]any, contract *NormalizedContract) (NormalizedRule, error) {
	rawCondition, ok := lookupAlias(obj, conditionAliases)
	if !ok {
		return NormalizedRule{}, schemaErrf("logic rule %d is missing a condition", index)
	}
	rawAction, ok := lookupAlias(obj, actionAliases)
	if !ok {
		return NormalizedRule{}, schemaErrf("logic rule %d is missing an action", index)
	}

	mode, conditions, err := parseConditions(index, rawCondition, contract)
	if err != nil {
		return NormalizedRule{}, err
	}

	actions, err := parseActions(index, rawAction, contract)
	if err != nil {
		return NormalizedRule{}, err
	}

	return NormalizedRule{Mode: mode, Conditions: conditions, Actions: actions}, nil
}

func parseConditions(index int, raw any, contract *NormalizedContract) (RuleMode, []Condition, error) {
	switch v := raw.(type) {
	case []any:
		conditions, err := parseConditionList(index, v, contract)
		if err != nil {
			return "", nil, err
		}
		return ModeAll, conditions, nil

	case map[string]any:
		rawAll, hasAll := v["all"]
		rawAny, hasAny := v["any"]
		switch {
		case hasAll && hasAny:
			return "", nil, schemaErrf("logic rule %d condition must use all or any, not both", index)
		case hasAll:
			list, ok := rawAll.([]any)
			if !ok {
				return "", nil, schemaErrf("logic rule %d: all must be an array", index)
			}
			conditions, err := parseConditionList(index, list, contract)
			if err != nil {
				return "", nil, err
			}
			return ModeAll, conditions, nil
		case hasAny:
			list, ok := rawAny.([]any)
			if !ok {
				return "", nil, schemaErrf("logic rule %d: any must be an array", index)
			}
			conditions, err := parseConditionList(index, list, contract)
			if err != nil {
				return "", nil, err
			}
			return ModeAny, conditions, nil
		default:
			// A bare condition object.
			condition, err := parseCondition(index, v, contract)
			if err != nil {
				return "", nil, err
			}
			return ModeAll, []Condition{condition}, nil
		}

	default:
		return "", nil, schemaErrf("logic rule %d has an unsupported condition shape", index)
	}
}

func parseConditionList(index int, list []any, contract *NormalizedContract) ([]Condition, error) {
	conditions := make([]Condition, 0, len(list))
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, schemaErrf("logic rule %d conditions must be objects", index)
		}
		condition, err := parseCondition(index, obj, contract)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, condition)
	}
	return conditions, nil
}

func parseCondition(index int, obj map[string]any, contract *NormalizedContract) (Condition, error) {
	fieldID := resolveAlias(obj, idAliases)
	if fieldID == "" {
		return Condition{}, schemaErrf("logic rule %d condition is missing a field id", index)
	}
	if _, exists := contract.Field(fieldID); !exists {
		return Condition{}, schemaErrf("logic rule %d condition references unknown field %q", index, fieldID)
	}

	rawOp, ok := obj["operator"].(string)
	if !ok || rawOp == "" {
		return Condition{}, schemaErrf("logic rule %d condition is missing an operator", index)
	}
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(rawOp))]
	if !ok {
		return Condition{}, schemaErrf("logic rule %d condition has unsupported operator %q", index, rawOp)
	}

	value, hasValue := obj["value"]

	switch op {
	case OpExists, OpNotExists:
		if hasValue && value != nil {
			return Condition{}, schemaErrf("logic rule %d: operator %q accepts no value", index, rawOp)
		}
	case OpIn, OpNotIn:
		list, ok := value.([]any)
		if !ok {
			return Condition{}, schemaErrf("logic rule %d: operator %q requires an array of primitives", index, rawOp)
		}
		for _, entry := range list {
			if !isPrimitive(entry) {
				return Condition{}, schemaErrf("logic rule %d: operator %q requires an array of primitives", index, rawOp)
			}
		}
	case OpContains, OpNotContains:
		if !isPrimitive(value) {
			return Condition{}, schemaErrf("logic rule %d: operator %q requires a primitive value", index, rawOp)
		}
	case OpGt, OpGte, OpLt, OpLte:
		switch value.(type) {
		case float64, string:
		default:
			return Condition{}, schemaErrf("logic rule %d: operator %q requires a number or string value", index, rawOp)
		}
	}

	return Condition{FieldID: fieldID, Op: op, Value: value}, nil
}

func parseActions(index int, raw any, contract *NormalizedContract) ([]Action, error) {
	var entries []any
	switch v := raw.(type) {
	case []any:
		entries = v
	case map[string]any:
		entries = []any{v}
	default:
		return nil, schemaErrf("logic rule %d has an unsupported action shape", index)
	}

	actions := make([]Action, 0, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, schemaErrf("logic rule %d actions must be objects", index)
		}

		rawType, _ := obj["type"].(string)
		rawType = strings.ToLower(strings.TrimSpace(rawType))

		var actionType ActionType
		switch rawType {
		case "show", "show_field":
			actionType = ActionShow
		case "hide", "hide_field":
			actionType = ActionHide
		case "set_visibility":
			visible, ok := obj["visible"].(bool)
			if !ok {
				return nil, schemaErrf("logic rule %d: set_visibility requires a boolean visible", index)
			}
			if visible {
				actionType = ActionShow
			} else {
				actionType = ActionHide
			}
		default:
			return nil, schemaErrf("logic rule %d has unsupported action type %q", index, rawType)
		}

		target := resolveAlias(obj, targetAliases)
		if target == "" {
			return nil, schemaErrf("logic rule %d action is missing a target field", index)
		}
		if _, exists := contract.Field(target); !exists {
			return nil, schemaErrf("logic rule %d action targets unknown field %q", index, target)
		}

		actions = append(actions, Action{Type: actionType, TargetFieldID: target})
	}
	return actions, nil
}

// resolveAlias returns the first non-empty trimmed string under the alias set.
func resolveAlias(obj map[string]any, aliases []string) string {
	for _, alias := range aliases {
		if raw, present := obj[alias]; present {
			if s, ok := raw.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

// lookupAlias returns the first present value under the alias set.
func lookupAlias(obj map[string]any, aliases []string) (any, bool) {
	for _, alias := range aliases {
		if raw, present := obj[alias]; present && raw != nil {
			return raw, true
		}
	}
	return nil, false
}

func isPrimitive(value any) bool {
	switch value.(type) {
	case string, float64, bool:
		return true
	default:
		return false
	}
}

func finiteNumber(raw any) (float64, bool) {
	n, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
