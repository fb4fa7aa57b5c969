package contract

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern  = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
)

const requiredMissingMessage = "Required field is missing"

// stringValued reports whether a field type takes a string submission value.
func stringValued(t FieldType) bool {
	switch t {
	case FieldText, FieldTextarea, FieldTel, FieldDate, FieldDatetime, FieldTime, FieldEmail, FieldURL:
		return true
	}
	return false
}

// ValidateVisible validates submitted values for every visible field against
// the registry, in registry order. It returns all value-level issues found.
func ValidateVisible(c *NormalizedContract, visibility map[string]bool, data map[string]any) []FieldIssue {
	var issues []FieldIssue

	for _, id := range c.FieldIDs() {
		if !visibility[id] {
			continue
		}
		field, _ := c.Field(id)
		value, present := data[id]

		if !present || value == nil {
			if field.Required {
				issues = append(issues, FieldIssue{FieldID: id, Message: requiredMissingMessage})
			}
			continue
		}

		if issue, ok := validateValue(field, value); !ok {
			issues = append(issues, FieldIssue{FieldID: id, Message: issue})
		}
	}

	return issues
}

func validateValue(field *NormalizedField, value any) (string, bool) {
	switch {
	case stringValued(field.Type):
		return validateStringValue(field, value)
	case field.Type == FieldNumber || field.Type == FieldRating:
		return validateNumberValue(field, value)
	case field.Type == FieldCheckbox || field.Type == FieldBoolean:
		return validateBooleanValue(field, value)
	case field.Type == FieldRadio || field.Type == FieldSelect:
		return validateChoiceValue(field, value)
	case field.Type == FieldMultiselect:
		return validateMultiselectValue(field, value)
	}
	return fmt.Sprintf("Unsupported field type %q", field.Type), false
}

func validateStringValue(field *NormalizedField, value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "Expected a string value", false
	}

	if field.Required && strings.TrimSpace(s) == "" {
		return requiredMissingMessage, false
	}

	switch field.Type {
	case FieldEmail:
		if !emailPattern.MatchString(s) {
			return "Invalid email address", false
		}
	case FieldURL:
		parsed, err := url.Parse(s)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return "Invalid URL", false
		}
	case FieldDate:
		if !datePattern.MatchString(s) {
			return "Invalid date, expected YYYY-MM-DD", false
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return "Invalid date, expected YYYY-MM-DD", false
		}
	case FieldDatetime:
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "Invalid datetime, expected an ISO-8601 timestamp", false
		}
	case FieldTime:
		if !timePattern.MatchString(s) {
			return "Invalid time, expected HH:mm or HH:mm:ss", false
		}
		layout := "15:04"
		if len(s) == len("15:04:05") {
			layout = "15:04:05"
		}
		if _, err := time.Parse(layout, s); err != nil {
			return "Invalid time, expected HH:mm or HH:mm:ss", false
		}
	}

	length := len([]rune(s))
	if field.MinLength != nil && length < *field.MinLength {
		return fmt.Sprintf("Must be at least %d characters", *field.MinLength), false
	}
	if field.MaxLength != nil && length > *field.MaxLength {
		return fmt.Sprintf("Must be at most %d characters", *field.MaxLength), false
	}
	if field.Pattern != nil && !field.Pattern.MatchString(s) {
		return "Value does not match the required pattern", false
	}

	return "", true
}

func validateNumberValue(field *NormalizedField, value any) (string, bool) {
	n, ok := value.(float64)
	if !ok {
		return "Expected a number value", false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return "Expected a finite number", false
	}
	if field.Type == FieldRating && n != math.Trunc(n) {
		return "Rating must be an integer", false
	}
	if field.Min != nil && n < *field.Min {
		return fmt.Sprintf("Must be at least %v", *field.Min), false
	}
	if field.Max != nil && n > *field.Max {
		return fmt.Sprintf("Must be at most %v", *field.Max), false
	}
	return "", true
}

func validateBooleanValue(field *NormalizedField, value any) (string, bool) {
	b, ok := value.(bool)
	if !ok {
		return "Expected a boolean value", false
	}
	if field.Type == FieldCheckbox && field.Required && !b {
		return "This field must be checked", false
	}
	return "", true
}

func validateChoiceValue(field *NormalizedField, value any) (string, bool) {
	if !isPrimitive(value) {
		return "Expected a primitive value", false
	}
	if !field.HasOption(value) {
		return "Value is not one of the allowed options", false
	}
	return "", true
}

func validateMultiselectValue(field *NormalizedField, value any) (string, bool) {
	list, ok := value.([]any)
	if !ok {
		return "Expected an array of values", false
	}
	for _, entry := range list {
		if !isPrimitive(entry) {
			return "Expected an array of primitive values", false
		}
		if !field.HasOption(entry) {
			return "Value is not one of the allowed options", false
		}
	}
	count := float64(len(list))
	if field.Min != nil && count < *field.Min {
		return fmt.Sprintf("Select at least %v options", *field.Min), false
	}
	if field.Max != nil && count > *field.Max {
		return fmt.Sprintf("Select at most %v options", *field.Max), false
	}
	return "", true
}
