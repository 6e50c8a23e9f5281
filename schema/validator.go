package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError is one field-level validation failure.
type ValidationError struct {
	FieldName string `json:"field_name"`
	Rule      string `json:"rule"`
	Message   string `json:"message"`
}

// ValidationResult reports record validation against a schema.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// Validator materializes open records against a Schema using the
// widening rules: a value whose observed type widens into the declared
// type passes.
type Validator struct {
	// CoerceStrings accepts strings that sub-classify into the declared
	// type (detector rules).
	CoerceStrings bool
}

// NewValidator creates a validator with string coercion enabled.
func NewValidator() *Validator {
	return &Validator{CoerceStrings: true}
}

// Validate checks one record against the schema.
func (v *Validator) Validate(s *Schema, record map[string]any) ValidationResult {
	result := ValidationResult{Valid: true}

	for _, field := range s.Fields {
		value, present := record[field.Name]

		if !present || value == nil {
			if field.Required && field.Default == nil {
				result.Errors = append(result.Errors, ValidationError{
					FieldName: field.Name,
					Rule:      "required",
					Message:   fmt.Sprintf("required field %q is missing", field.Name),
				})
			}
			if present && value == nil && !field.Nullable {
				result.Errors = append(result.Errors, ValidationError{
					FieldName: field.Name,
					Rule:      "nullable",
					Message:   fmt.Sprintf("field %q is null but not nullable", field.Name),
				})
			}
			continue
		}

		if !v.typeAccepts(field.Type, value) {
			result.Errors = append(result.Errors, ValidationError{
				FieldName: field.Name,
				Rule:      "type",
				Message:   fmt.Sprintf("field %q expected %s, got %s", field.Name, field.Type, TypeOf(value)),
			})
			continue
		}

		result.Errors = append(result.Errors, v.checkConstraints(field, value)...)

		if field.Deprecated {
			result.Warnings = append(result.Warnings, ValidationError{
				FieldName: field.Name,
				Rule:      "deprecated",
				Message:   field.DeprecatedMessage,
			})
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// typeAccepts applies the declared type with the widening table: any
// value a reader of the declared type could consume passes.
func (v *Validator) typeAccepts(declared FieldType, value any) bool {
	if declared == TypeAny {
		return true
	}
	observed := TypeOf(value)
	if observed == declared || IsWidening(observed, declared) {
		return true
	}
	if v.CoerceStrings {
		if s, ok := value.(string); ok {
			d := NewDetector()
			sub := FieldType(d.detectType(strings.TrimSpace(s)))
			return sub == declared || IsWidening(sub, declared)
		}
	}
	return false
}

func (v *Validator) checkConstraints(field FieldSchema, value any) []ValidationError {
	var errs []ValidationError

	if n, ok := numericValue(value); ok {
		if field.MinValue != nil && n < *field.MinValue {
			errs = append(errs, ValidationError{
				FieldName: field.Name, Rule: "min_value",
				Message: fmt.Sprintf("%v below minimum %v", n, *field.MinValue),
			})
		}
		if field.MaxValue != nil && n > *field.MaxValue {
			errs = append(errs, ValidationError{
				FieldName: field.Name, Rule: "max_value",
				Message: fmt.Sprintf("%v above maximum %v", n, *field.MaxValue),
			})
		}
	}

	if s, ok := value.(string); ok {
		if field.MinLength != nil && len(s) < *field.MinLength {
			errs = append(errs, ValidationError{
				FieldName: field.Name, Rule: "min_length",
				Message: fmt.Sprintf("length %d below minimum %d", len(s), *field.MinLength),
			})
		}
		if field.MaxLength != nil && len(s) > *field.MaxLength {
			errs = append(errs, ValidationError{
				FieldName: field.Name, Rule: "max_length",
				Message: fmt.Sprintf("length %d above maximum %d", len(s), *field.MaxLength),
			})
		}
		if field.Pattern != "" {
			if re, err := regexp.Compile(field.Pattern); err == nil && !re.MatchString(s) {
				errs = append(errs, ValidationError{
					FieldName: field.Name, Rule: "pattern",
					Message: fmt.Sprintf("value does not match pattern %q", field.Pattern),
				})
			}
		}
	}

	if len(field.EnumValues) > 0 {
		found := false
		for _, allowed := range field.EnumValues {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, ValidationError{
				FieldName: field.Name, Rule: "enum",
				Message: fmt.Sprintf("value %v not in enum", value),
			})
		}
	}

	return errs
}
