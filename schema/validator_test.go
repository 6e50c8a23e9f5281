package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidator_RequiredAndNullable enforce presence rules.
func TestValidator_RequiredAndNullable(t *testing.T) {
	s := schemaWith(
		FieldSchema{Name: "title", Type: TypeString, Required: true, Nullable: false},
		FieldSchema{Name: "summary", Type: TypeString, Nullable: true},
	)
	v := NewValidator()

	result := v.Validate(s, map[string]any{"title": "t"})
	assert.True(t, result.Valid)

	result = v.Validate(s, map[string]any{"summary": "s"})
	require.False(t, result.Valid)
	assert.Equal(t, "required", result.Errors[0].Rule)
	assert.Equal(t, "title", result.Errors[0].FieldName)

	result = v.Validate(s, map[string]any{"title": nil})
	require.False(t, result.Valid)
	rules := map[string]bool{}
	for _, e := range result.Errors {
		rules[e.Rule] = true
	}
	assert.True(t, rules["nullable"], "a null in a non-nullable field is flagged")

	// A required field with a default may be absent.
	s.GetField("title").Default = "untitled"
	result = v.Validate(s, map[string]any{})
	assert.True(t, result.Valid)
}

// TestValidator_TypeWidening accepts values whose observed type widens
// into the declared type and coerces typed strings.
func TestValidator_TypeWidening(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		declared FieldType
		value    any
		valid    bool
	}{
		{"exact", TypeFloat, 1.5, true},
		{"int_widens_to_float", TypeFloat, 3, true},
		{"bool_widens_to_integer", TypeInteger, true, true},
		{"anything_into_any", TypeAny, []any{1}, true},
		{"string_coerces_to_integer", TypeInteger, "42", true},
		{"string_coerces_to_datetime", TypeDatetime, "2024-03-01T10:00:00", true},
		{"float_never_narrows_to_integer", TypeInteger, 1.5, false},
		{"array_is_not_string", TypeString, []any{1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := schemaWith(FieldSchema{Name: "f", Type: tt.declared, Nullable: true})
			result := v.Validate(s, map[string]any{"f": tt.value})
			assert.Equal(t, tt.valid, result.Valid)
		})
	}

	// Without coercion a numeric string stays a string.
	strict := &Validator{CoerceStrings: false}
	s := schemaWith(FieldSchema{Name: "f", Type: TypeInteger, Nullable: true})
	assert.False(t, strict.Validate(s, map[string]any{"f": "42"}).Valid)
}

// TestValidator_Constraints covers bounds, lengths, pattern, and enum.
func TestValidator_Constraints(t *testing.T) {
	v := NewValidator()

	s := schemaWith(
		FieldSchema{Name: "price", Type: TypeFloat, Nullable: true, MinValue: floatPtr(0), MaxValue: floatPtr(100)},
		FieldSchema{Name: "code", Type: TypeString, Nullable: true, MinLength: intPtr(3), MaxLength: intPtr(6), Pattern: `^\d+$`},
		FieldSchema{Name: "market", Type: TypeString, Nullable: true, EnumValues: []any{"kospi", "kosdaq"}},
	)

	result := v.Validate(s, map[string]any{"price": 10.0, "code": "005930", "market": "kospi"})
	assert.True(t, result.Valid)

	result = v.Validate(s, map[string]any{"price": -1.0, "code": "ab", "market": "nyse"})
	require.False(t, result.Valid)
	rules := map[string]bool{}
	for _, e := range result.Errors {
		rules[e.Rule] = true
	}
	assert.True(t, rules["min_value"])
	assert.True(t, rules["min_length"])
	assert.True(t, rules["pattern"])
	assert.True(t, rules["enum"])

	result = v.Validate(s, map[string]any{"price": 1000.0, "code": "1234567"})
	rules = map[string]bool{}
	for _, e := range result.Errors {
		rules[e.Rule] = true
	}
	assert.True(t, rules["max_value"])
	assert.True(t, rules["max_length"])
}

// TestValidator_DeprecatedWarns without failing the record.
func TestValidator_DeprecatedWarns(t *testing.T) {
	s := schemaWith(FieldSchema{
		Name: "old_field", Type: TypeString, Nullable: true,
		Deprecated: true, DeprecatedMessage: "use new_field",
	})
	result := NewValidator().Validate(s, map[string]any{"old_field": "v"})
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "deprecated", result.Warnings[0].Rule)
	assert.Equal(t, "use new_field", result.Warnings[0].Message)
}

// TestRegistry_ValidateRecords materializes a batch against the active
// schema version and accounts per-record outcomes.
func TestRegistry_ValidateRecords(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	s := schemaWith(
		FieldSchema{Name: "title", Type: TypeString, Required: true, Nullable: false},
		FieldSchema{Name: "views", Type: TypeInteger, Nullable: true, MinValue: floatPtr(0)},
	)
	_, _, err := registry.Register(ctx, "src1", s, "tester", "v1", ModeBackward, nil)
	require.NoError(t, err)

	validation, err := registry.ValidateRecords(ctx, "src1", []map[string]any{
		{"title": "ok", "views": 10},
		{"views": 5},                // missing required title
		{"title": "t", "views": -3}, // below min_value
	})
	require.NoError(t, err)

	assert.Equal(t, "src1", validation.SourceID)
	assert.Equal(t, 1, validation.Version)
	assert.Equal(t, 3, validation.Total)
	assert.Equal(t, 1, validation.Passed)
	assert.Equal(t, 2, validation.Failed)
	assert.Equal(t, validation.Total, validation.Passed+validation.Failed)

	require.Len(t, validation.Failures, 2)
	assert.Equal(t, 1, validation.Failures[0].Index)
	assert.Equal(t, "required", validation.Failures[0].Errors[0].Rule)
	assert.Equal(t, 2, validation.Failures[1].Index)
	assert.Equal(t, "min_value", validation.Failures[1].Errors[0].Rule)

	_, err = registry.ValidateRecords(ctx, "unregistered", nil)
	require.Error(t, err, "validation requires a registered schema")
}
