package schema

import (
	"fmt"
	"sort"
	"time"
)

// Type widening rules: conversions that lose no data. BACKWARD-safe.
var typeWideningRules = map[FieldType]map[FieldType]bool{
	TypeInteger:  {TypeFloat: true, TypeString: true, TypeAny: true},
	TypeFloat:    {TypeString: true, TypeAny: true},
	TypeBoolean:  {TypeString: true, TypeInteger: true, TypeAny: true},
	TypeDate:     {TypeDatetime: true, TypeString: true, TypeAny: true},
	TypeDatetime: {TypeString: true, TypeAny: true},
	TypeString:   {TypeAny: true},
	TypeArray:    {TypeAny: true},
	TypeObject:   {TypeAny: true},
}

// Type narrowing rules: conversions that may lose data. FORWARD-safe
// only when explicit.
var typeNarrowingRules = map[FieldType]map[FieldType]bool{
	TypeAny: {
		TypeString: true, TypeInteger: true, TypeFloat: true, TypeBoolean: true,
		TypeDate: true, TypeDatetime: true, TypeArray: true, TypeObject: true,
	},
	TypeString: {
		TypeInteger: true, TypeFloat: true, TypeBoolean: true,
		TypeDate: true, TypeDatetime: true,
	},
	TypeFloat:    {TypeInteger: true},
	TypeDatetime: {TypeDate: true},
}

// IsWidening reports whether from→to is in the widening table.
func IsWidening(from, to FieldType) bool {
	return typeWideningRules[from][to]
}

// IsNarrowing reports whether from→to is in the narrowing table.
func IsNarrowing(from, to FieldType) bool {
	return typeNarrowingRules[from][to]
}

// Checker validates schema changes under a compatibility mode.
//
// BACKWARD: the new schema can read old data — no required additions
// without defaults, no type narrowing of existing fields.
// FORWARD: the old schema can read new data — no removals, no type
// widening of existing fields.
// FULL: both.
type Checker struct {
	// StrictMode treats warnings as compatibility failures.
	StrictMode bool

	clock func() time.Time
}

// NewChecker creates a checker with the default lenient mode.
func NewChecker() *Checker {
	return &Checker{clock: func() time.Time { return time.Now().UTC() }}
}

// Check compares two schemas under the given mode. Pure: no I/O, no
// stored state.
func (c *Checker) Check(oldSchema, newSchema *Schema, mode CompatibilityMode) CompatibilityResult {
	now := time.Now().UTC()
	if c.clock != nil {
		now = c.clock()
	}

	if mode == ModeNone {
		return CompatibilityResult{IsCompatible: true, Mode: mode, CheckedAt: now}
	}

	oldFields := fieldMap(oldSchema)
	newFields := fieldMap(newSchema)

	var issues []CompatibilityIssue
	issues = append(issues, c.checkAdded(sortedDiff(newFields, oldFields), newFields, mode)...)
	issues = append(issues, c.checkRemoved(sortedDiff(oldFields, newFields), oldFields, mode)...)
	issues = append(issues, c.checkModified(sortedCommon(oldFields, newFields), oldFields, newFields, mode)...)

	hasErrors := false
	for _, issue := range issues {
		if issue.Severity == SeverityError || (c.StrictMode && issue.Severity == SeverityWarning) {
			hasErrors = true
			break
		}
	}

	return CompatibilityResult{
		IsCompatible: !hasErrors,
		Issues:       issues,
		Mode:         mode,
		CheckedAt:    now,
	}
}

func fieldMap(s *Schema) map[string]FieldSchema {
	out := make(map[string]FieldSchema, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = f
	}
	return out
}

// sortedDiff returns the names in a but not b, sorted for deterministic
// issue ordering.
func sortedDiff(a, b map[string]FieldSchema) []string {
	var out []string
	for name := range a {
		if _, ok := b[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedCommon(a, b map[string]FieldSchema) []string {
	var out []string
	for name := range a {
		if _, ok := b[name]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Checker) checkAdded(names []string, newFields map[string]FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	var issues []CompatibilityIssue
	for _, name := range names {
		field := newFields[name]

		if !backwardFamily(mode) {
			issues = append(issues, CompatibilityIssue{
				FieldName: name,
				IssueType: "added_field",
				Severity:  SeverityInfo,
				Message:   fmt.Sprintf("field %q added", name),
				NewValue:  field.toCanonical(),
			})
			continue
		}

		switch {
		case field.Required && field.Default == nil:
			issues = append(issues, CompatibilityIssue{
				FieldName: name,
				IssueType: "added_required_field",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("required field %q added without default - violates BACKWARD compatibility", name),
				NewValue:  field.toCanonical(),
			})
		case field.Required:
			issues = append(issues, CompatibilityIssue{
				FieldName: name,
				IssueType: "added_required_field_with_default",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("required field %q added with default %v", name, field.Default),
				NewValue:  field.toCanonical(),
			})
		default:
			issues = append(issues, CompatibilityIssue{
				FieldName: name,
				IssueType: "added_optional_field",
				Severity:  SeverityInfo,
				Message:   fmt.Sprintf("optional field %q added", name),
				NewValue:  field.toCanonical(),
			})
		}
	}
	return issues
}

func (c *Checker) checkRemoved(names []string, oldFields map[string]FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	var issues []CompatibilityIssue
	for _, name := range names {
		field := oldFields[name]

		if forwardFamily(mode) {
			issues = append(issues, CompatibilityIssue{
				FieldName: name,
				IssueType: "removed_field",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("field %q removed - violates FORWARD compatibility", name),
				OldValue:  field.toCanonical(),
			})
			continue
		}

		severity := SeverityInfo
		if field.Required {
			severity = SeverityWarning
		}
		issues = append(issues, CompatibilityIssue{
			FieldName: name,
			IssueType: "removed_field",
			Severity:  severity,
			Message:   fmt.Sprintf("field %q removed", name),
			OldValue:  field.toCanonical(),
		})
	}
	return issues
}

func (c *Checker) checkModified(names []string, oldFields, newFields map[string]FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	var issues []CompatibilityIssue
	for _, name := range names {
		oldField := oldFields[name]
		newField := newFields[name]

		issues = append(issues, c.checkTypeChange(oldField, newField, mode)...)
		issues = append(issues, c.checkRequiredChange(oldField, newField, mode)...)
		issues = append(issues, c.checkConstraintChange(oldField, newField, mode)...)
		issues = append(issues, c.checkNullableChange(oldField, newField, mode)...)
	}
	return issues
}

func (c *Checker) checkTypeChange(oldField, newField FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	if oldField.Type == newField.Type {
		return nil
	}

	name := oldField.Name
	oldType, newType := oldField.Type, newField.Type

	switch {
	case IsWidening(oldType, newType):
		if forwardFamily(mode) {
			return []CompatibilityIssue{{
				FieldName: name, IssueType: "type_widened", Severity: SeverityError,
				Message:  fmt.Sprintf("type widened %q -> %q - violates FORWARD compatibility", oldType, newType),
				OldValue: string(oldType), NewValue: string(newType),
			}}
		}
		return []CompatibilityIssue{{
			FieldName: name, IssueType: "type_widened", Severity: SeverityInfo,
			Message:  fmt.Sprintf("type widened %q -> %q", oldType, newType),
			OldValue: string(oldType), NewValue: string(newType),
		}}

	case IsNarrowing(oldType, newType):
		if backwardFamily(mode) {
			return []CompatibilityIssue{{
				FieldName: name, IssueType: "type_narrowed", Severity: SeverityError,
				Message:  fmt.Sprintf("type narrowed %q -> %q - violates BACKWARD compatibility", oldType, newType),
				OldValue: string(oldType), NewValue: string(newType),
			}}
		}
		return []CompatibilityIssue{{
			FieldName: name, IssueType: "type_narrowed", Severity: SeverityWarning,
			Message:  fmt.Sprintf("type narrowed %q -> %q", oldType, newType),
			OldValue: string(oldType), NewValue: string(newType),
		}}

	default:
		return []CompatibilityIssue{{
			FieldName: name, IssueType: "type_incompatible", Severity: SeverityError,
			Message:  fmt.Sprintf("incompatible type change %q -> %q", oldType, newType),
			OldValue: string(oldType), NewValue: string(newType),
		}}
	}
}

func (c *Checker) checkRequiredChange(oldField, newField FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	if oldField.Required == newField.Required {
		return nil
	}
	name := oldField.Name

	if !oldField.Required && newField.Required {
		if backwardFamily(mode) {
			if newField.Default == nil {
				return []CompatibilityIssue{{
					FieldName: name, IssueType: "optional_to_required", Severity: SeverityError,
					Message: "optional -> required without default - violates BACKWARD compatibility",
				}}
			}
			return []CompatibilityIssue{{
				FieldName: name, IssueType: "optional_to_required", Severity: SeverityWarning,
				Message: fmt.Sprintf("optional -> required with default %v", newField.Default),
			}}
		}
		return []CompatibilityIssue{{
			FieldName: name, IssueType: "optional_to_required", Severity: SeverityInfo,
			Message: "optional -> required",
		}}
	}

	// required -> optional
	if forwardFamily(mode) {
		return []CompatibilityIssue{{
			FieldName: name, IssueType: "required_to_optional", Severity: SeverityError,
			Message: "required -> optional - violates FORWARD compatibility",
		}}
	}
	return []CompatibilityIssue{{
		FieldName: name, IssueType: "required_to_optional", Severity: SeverityInfo,
		Message: "required -> optional",
	}}
}

func (c *Checker) checkNullableChange(oldField, newField FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	if oldField.Nullable == newField.Nullable {
		return nil
	}
	name := oldField.Name

	if oldField.Nullable && !newField.Nullable {
		severity := SeverityWarning
		if backwardFamily(mode) {
			severity = SeverityError
		}
		msg := "nullable removed"
		if severity == SeverityError {
			msg = "nullable removed - violates BACKWARD compatibility"
		}
		return []CompatibilityIssue{{
			FieldName: name, IssueType: "nullable_removed", Severity: severity, Message: msg,
		}}
	}
	return []CompatibilityIssue{{
		FieldName: name, IssueType: "nullable_added", Severity: SeverityInfo, Message: "nullable added",
	}}
}

func (c *Checker) checkConstraintChange(oldField, newField FieldSchema, mode CompatibilityMode) []CompatibilityIssue {
	var issues []CompatibilityIssue
	name := oldField.Name

	tightened := func() IssueSeverity {
		if backwardFamily(mode) {
			return SeverityError
		}
		return SeverityWarning
	}

	if oldField.MinValue != nil && newField.MinValue != nil && *newField.MinValue > *oldField.MinValue {
		issues = append(issues, CompatibilityIssue{
			FieldName: name, IssueType: "min_value_increased", Severity: tightened(),
			Message:  fmt.Sprintf("min_value tightened: %v -> %v", *oldField.MinValue, *newField.MinValue),
			OldValue: *oldField.MinValue, NewValue: *newField.MinValue,
		})
	}
	if oldField.MaxValue != nil && newField.MaxValue != nil && *newField.MaxValue < *oldField.MaxValue {
		issues = append(issues, CompatibilityIssue{
			FieldName: name, IssueType: "max_value_decreased", Severity: tightened(),
			Message:  fmt.Sprintf("max_value tightened: %v -> %v", *oldField.MaxValue, *newField.MaxValue),
			OldValue: *oldField.MaxValue, NewValue: *newField.MaxValue,
		})
	}
	if oldField.MinLength != nil && newField.MinLength != nil && *newField.MinLength > *oldField.MinLength {
		issues = append(issues, CompatibilityIssue{
			FieldName: name, IssueType: "min_length_increased", Severity: tightened(),
			Message:  fmt.Sprintf("min_length tightened: %d -> %d", *oldField.MinLength, *newField.MinLength),
			OldValue: *oldField.MinLength, NewValue: *newField.MinLength,
		})
	}
	if oldField.MaxLength != nil && newField.MaxLength != nil && *newField.MaxLength < *oldField.MaxLength {
		issues = append(issues, CompatibilityIssue{
			FieldName: name, IssueType: "max_length_decreased", Severity: tightened(),
			Message:  fmt.Sprintf("max_length tightened: %d -> %d", *oldField.MaxLength, *newField.MaxLength),
			OldValue: *oldField.MaxLength, NewValue: *newField.MaxLength,
		})
	}

	if len(oldField.EnumValues) > 0 && len(newField.EnumValues) > 0 {
		removed := enumDiff(oldField.EnumValues, newField.EnumValues)
		added := enumDiff(newField.EnumValues, oldField.EnumValues)

		if len(removed) > 0 {
			issues = append(issues, CompatibilityIssue{
				FieldName: name, IssueType: "enum_values_removed", Severity: tightened(),
				Message:  fmt.Sprintf("enum values removed: %v", removed),
				OldValue: oldField.EnumValues, NewValue: newField.EnumValues,
			})
		}
		if len(added) > 0 {
			severity := SeverityInfo
			if forwardFamily(mode) {
				severity = SeverityWarning
			}
			issues = append(issues, CompatibilityIssue{
				FieldName: name, IssueType: "enum_values_added", Severity: severity,
				Message:  fmt.Sprintf("enum values added: %v", added),
				OldValue: oldField.EnumValues, NewValue: newField.EnumValues,
			})
		}
	}

	if oldField.Pattern != newField.Pattern {
		switch {
		case oldField.Pattern != "" && newField.Pattern != "":
			issues = append(issues, CompatibilityIssue{
				FieldName: name, IssueType: "pattern_changed", Severity: SeverityWarning,
				Message:  fmt.Sprintf("pattern changed: %q -> %q", oldField.Pattern, newField.Pattern),
				OldValue: oldField.Pattern, NewValue: newField.Pattern,
			})
		case newField.Pattern != "":
			issues = append(issues, CompatibilityIssue{
				FieldName: name, IssueType: "pattern_added", Severity: tightened(),
				Message:  fmt.Sprintf("pattern added: %q", newField.Pattern),
				NewValue: newField.Pattern,
			})
		default:
			issues = append(issues, CompatibilityIssue{
				FieldName: name, IssueType: "pattern_removed", Severity: SeverityInfo,
				Message:  fmt.Sprintf("pattern removed: %q", oldField.Pattern),
				OldValue: oldField.Pattern,
			})
		}
	}

	return issues
}

func enumDiff(a, b []any) []any {
	var out []any
	for _, av := range a {
		found := false
		for _, bv := range b {
			if fmt.Sprint(av) == fmt.Sprint(bv) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, av)
		}
	}
	return out
}
