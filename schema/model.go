// Package schema implements the schema subsystem of the control plane:
// the Field/Schema/SchemaVersion value model with deterministic
// fingerprints, the pure compatibility checker, statistical schema
// detection from sampled records, the versioned registry, the migration
// planner, and record validation.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"atlas.crawlops.org/common"
)

// FieldType is the data type of one field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDatetime FieldType = "datetime"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
	TypeAny      FieldType = "any"
)

// TypeOf infers the FieldType of a dynamic value.
func TypeOf(value any) FieldType {
	switch value.(type) {
	case nil:
		return TypeAny
	case bool:
		return TypeBoolean
	case int, int32, int64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case string:
		return TypeString
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	case time.Time:
		return TypeDatetime
	default:
		return TypeAny
	}
}

// CompatibilityMode selects how schema changes are validated.
type CompatibilityMode string

const (
	ModeNone               CompatibilityMode = "none"
	ModeBackward           CompatibilityMode = "backward"
	ModeForward            CompatibilityMode = "forward"
	ModeFull               CompatibilityMode = "full"
	ModeBackwardTransitive CompatibilityMode = "backward_transitive"
	ModeForwardTransitive  CompatibilityMode = "forward_transitive"
	ModeFullTransitive     CompatibilityMode = "full_transitive"
)

// backwardFamily reports whether mode enforces BACKWARD constraints.
func backwardFamily(mode CompatibilityMode) bool {
	switch mode {
	case ModeBackward, ModeFull, ModeBackwardTransitive, ModeFullTransitive:
		return true
	}
	return false
}

// forwardFamily reports whether mode enforces FORWARD constraints.
func forwardFamily(mode CompatibilityMode) bool {
	switch mode {
	case ModeForward, ModeFull, ModeForwardTransitive, ModeFullTransitive:
		return true
	}
	return false
}

// Transitive reports whether mode is evaluated against every prior
// active version.
func (m CompatibilityMode) Transitive() bool {
	switch m {
	case ModeBackwardTransitive, ModeForwardTransitive, ModeFullTransitive:
		return true
	}
	return false
}

// DataCategory groups sources by the kind of records they produce.
type DataCategory string

const (
	CategoryNewsArticle   DataCategory = "news_article"
	CategoryFinancialData DataCategory = "financial_data"
	CategoryMarketIndex   DataCategory = "market_index"
	CategoryExchangeRate  DataCategory = "exchange_rate"
	CategoryStockPrice    DataCategory = "stock_price"
	CategoryAnnouncement  DataCategory = "announcement"
	CategoryTableData     DataCategory = "table_data"
	CategoryGeneric       DataCategory = "generic"
)

// FieldSchema describes one field of a document schema.
type FieldSchema struct {
	Name              string    `json:"name"`
	Type              FieldType `json:"type"`
	Required          bool      `json:"required"`
	Nullable          bool      `json:"nullable"`
	Default           any       `json:"default,omitempty"`
	Description       string    `json:"description,omitempty"`
	Pattern           string    `json:"pattern,omitempty"`
	MinValue          *float64  `json:"min_value,omitempty"`
	MaxValue          *float64  `json:"max_value,omitempty"`
	MinLength         *int      `json:"min_length,omitempty"`
	MaxLength         *int      `json:"max_length,omitempty"`
	EnumValues        []any     `json:"enum,omitempty"`
	NestedSchema      *Schema   `json:"nested_schema,omitempty"`
	Examples          []any     `json:"examples,omitempty"`
	Deprecated        bool      `json:"deprecated,omitempty"`
	DeprecatedMessage string    `json:"deprecated_message,omitempty"`
}

// toCanonical renders the field for fingerprinting and storage: stable
// key names, optional keys omitted when unset, examples capped at five.
func (f FieldSchema) toCanonical() map[string]any {
	out := map[string]any{
		"name":     f.Name,
		"type":     string(f.Type),
		"required": f.Required,
		"nullable": f.Nullable,
	}
	if f.Default != nil {
		out["default"] = f.Default
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	if f.Pattern != "" {
		out["pattern"] = f.Pattern
	}
	if f.MinValue != nil {
		out["min_value"] = *f.MinValue
	}
	if f.MaxValue != nil {
		out["max_value"] = *f.MaxValue
	}
	if f.MinLength != nil {
		out["min_length"] = *f.MinLength
	}
	if f.MaxLength != nil {
		out["max_length"] = *f.MaxLength
	}
	if len(f.EnumValues) > 0 {
		out["enum"] = f.EnumValues
	}
	if f.NestedSchema != nil {
		out["nested_schema"] = f.NestedSchema.toCanonical(true)
	}
	if len(f.Examples) > 0 {
		capped := f.Examples
		if len(capped) > 5 {
			capped = capped[:5]
		}
		out["examples"] = capped
	}
	if f.Deprecated {
		out["deprecated"] = true
		out["deprecated_message"] = f.DeprecatedMessage
	}
	return out
}

// Schema is an ordered field list plus descriptive metadata.
type Schema struct {
	Fields         []FieldSchema  `json:"fields"`
	Description    string         `json:"description,omitempty"`
	DataCategory   DataCategory   `json:"data_category,omitempty"`
	CollectionName string         `json:"collection_name,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// GetField returns the named field, or nil.
func (s *Schema) GetField(name string) *FieldSchema {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the set of field names.
func (s *Schema) FieldNames() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = struct{}{}
	}
	return out
}

// AddField appends a field, rejecting duplicate names.
func (s *Schema) AddField(field FieldSchema) error {
	if s.GetField(field.Name) != nil {
		return common.NewError(common.ErrDuplicateField, "E104",
			fmt.Sprintf("field %q already exists", field.Name))
	}
	s.Fields = append(s.Fields, field)
	return nil
}

// RemoveField deletes the named field; false when absent.
func (s *Schema) RemoveField(name string) bool {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			s.Fields = append(s.Fields[:i], s.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// toCanonical renders the schema as the canonical map. Metadata is
// excluded when forFingerprint is set.
func (s *Schema) toCanonical(forFingerprint bool) map[string]any {
	fields := make([]any, 0, len(s.Fields))
	for _, f := range s.Fields {
		fields = append(fields, f.toCanonical())
	}
	out := map[string]any{
		"fields":      fields,
		"description": s.Description,
	}
	if !forFingerprint {
		out["metadata"] = s.Metadata
	}
	if s.DataCategory != "" {
		out["data_category"] = string(s.DataCategory)
	}
	if s.CollectionName != "" {
		out["collection_name"] = s.CollectionName
	}
	return out
}

// ToMap renders the schema for storage.
func (s *Schema) ToMap() map[string]any {
	out := s.toCanonical(false)
	if out["metadata"] == nil {
		out["metadata"] = map[string]any{}
	}
	return out
}

// Fingerprint is the first 16 hex chars of SHA-256 over the canonical
// JSON of the schema with metadata stripped and object keys sorted. It is
// the dedup key for versions.
func (s *Schema) Fingerprint() string {
	payload, err := json.Marshal(s.toCanonical(true))
	if err != nil {
		// Only non-serializable values can land here; fall back to a
		// fingerprint of the error text so callers still get a stable key.
		payload = []byte(err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

// Clone deep-copies the schema via its canonical round-trip.
func (s *Schema) Clone() *Schema {
	data, err := json.Marshal(s)
	if err != nil {
		clone := *s
		return &clone
	}
	var out Schema
	if err := json.Unmarshal(data, &out); err != nil {
		clone := *s
		return &clone
	}
	return &out
}

// SchemaVersion is an immutable snapshot of a schema at one version
// number. Deprecation flips IsActive and records the audit fields; the
// content never changes.
type SchemaVersion struct {
	Version           int               `json:"version"`
	Schema            *Schema           `json:"schema"`
	Fingerprint       string            `json:"fingerprint"`
	CreatedAt         time.Time         `json:"created_at"`
	CreatedBy         string            `json:"created_by"`
	ChangeDescription string            `json:"change_description,omitempty"`
	IsActive          bool              `json:"is_active"`
	CompatibilityMode CompatibilityMode `json:"compatibility_mode"`
	Tags              []string          `json:"tags,omitempty"`
	DeprecatedAt      *time.Time        `json:"deprecated_at,omitempty"`
	DeprecatedReason  string            `json:"deprecated_reason,omitempty"`
}

// IssueSeverity grades a compatibility issue.
type IssueSeverity string

const (
	SeverityInfo    IssueSeverity = "info"
	SeverityWarning IssueSeverity = "warning"
	SeverityError   IssueSeverity = "error"
)

// CompatibilityIssue is one finding of the checker.
type CompatibilityIssue struct {
	FieldName string        `json:"field_name"`
	IssueType string        `json:"issue_type"`
	Severity  IssueSeverity `json:"severity"`
	Message   string        `json:"message"`
	OldValue  any           `json:"old_value,omitempty"`
	NewValue  any           `json:"new_value,omitempty"`
}

// CompatibilityResult is the checker verdict: compatible iff no
// error-severity issues (warnings too under strict mode).
type CompatibilityResult struct {
	IsCompatible bool                 `json:"is_compatible"`
	Issues       []CompatibilityIssue `json:"issues"`
	Mode         CompatibilityMode    `json:"mode"`
	CheckedAt    time.Time            `json:"checked_at"`
}

// Errors returns the error-severity issues.
func (r CompatibilityResult) Errors() []CompatibilityIssue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r CompatibilityResult) Warnings() []CompatibilityIssue {
	return r.filter(SeverityWarning)
}

func (r CompatibilityResult) filter(severity IssueSeverity) []CompatibilityIssue {
	var out []CompatibilityIssue
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			out = append(out, issue)
		}
	}
	return out
}
