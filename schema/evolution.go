package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"atlas.crawlops.org/common"
)

// EvolutionAction is the kind of one migration step.
type EvolutionAction string

const (
	ActionAddField         EvolutionAction = "add_field"
	ActionRemoveField      EvolutionAction = "remove_field"
	ActionRenameField      EvolutionAction = "rename_field"
	ActionChangeType       EvolutionAction = "change_type"
	ActionAddConstraint    EvolutionAction = "add_constraint"
	ActionRemoveConstraint EvolutionAction = "remove_constraint"
	ActionSetDefault       EvolutionAction = "set_default"
	ActionSetNullable      EvolutionAction = "set_nullable"
	ActionSetRequired      EvolutionAction = "set_required"
	ActionMergeFields      EvolutionAction = "merge_fields"
	ActionSplitField       EvolutionAction = "split_field"
)

// MigrationStep is one ordered transformation in a plan. Reversible steps
// may carry an explicit reverse step; without one, RollbackPlan derives the
// reverse where it can and drops the step where it cannot.
type MigrationStep struct {
	Action        EvolutionAction `json:"action"`
	FieldName     string          `json:"field_name"`
	Params        map[string]any  `json:"params,omitempty"`
	Reversible    bool            `json:"reversible"`
	ReverseAction *MigrationStep  `json:"-"`
	Description   string          `json:"description,omitempty"`
}

// MigrationPlan is the ordered step list between two schema versions.
type MigrationPlan struct {
	SourceID         string          `json:"source_id"`
	FromVersion      int             `json:"from_version"`
	ToVersion        int             `json:"to_version"`
	Steps            []MigrationStep `json:"steps"`
	CreatedAt        time.Time       `json:"created_at"`
	EstimatedRecords int             `json:"estimated_records"`
	RequiresBackfill bool            `json:"requires_backfill"`
	BreakingChanges  bool            `json:"breaking_changes"`
}

// AddStep appends a step and updates the plan flags.
func (p *MigrationPlan) AddStep(step MigrationStep) {
	p.Steps = append(p.Steps, step)
	if step.Action == ActionAddField || step.Action == ActionChangeType {
		p.RequiresBackfill = true
	}
	if step.Action == ActionRemoveField || step.Action == ActionChangeType {
		p.BreakingChanges = true
	}
}

// Summary counts steps per action kind.
func (p *MigrationPlan) Summary() map[string]int {
	out := map[string]int{}
	for _, step := range p.Steps {
		out[string(step.Action)]++
	}
	return out
}

// OnError selects batch-migration behavior when a record fails.
type OnError string

const (
	OnErrorSkip OnError = "skip"
	OnErrorFail OnError = "fail"
	OnErrorNull OnError = "null"
)

// MigrationResult summarizes a batch migration.
type MigrationResult struct {
	Success       bool             `json:"success"`
	TotalRecords  int              `json:"total_records"`
	MigratedCount int              `json:"migrated_count"`
	FailedCount   int              `json:"failed_count"`
	SkippedCount  int              `json:"skipped_count"`
	Errors        []map[string]any `json:"errors,omitempty"`
	DurationMs    int64            `json:"duration_ms"`
	Records       []map[string]any `json:"-"`
}

// converter transforms one value between field types; a nil return with
// ok=false records a conversion warning.
type converter func(any) (any, bool)

// typeConverters supports the widening/narrowing pairs plus the
// string/boolean and date/datetime bridges.
var typeConverters = map[FieldType]map[FieldType]converter{
	TypeInteger: {
		TypeString:  func(v any) (any, bool) { return fmt.Sprint(v), true },
		TypeFloat:   convertToFloat,
		TypeBoolean: func(v any) (any, bool) { f, ok := numericValue(v); return ok && f != 0, ok },
	},
	TypeFloat: {
		TypeString:  func(v any) (any, bool) { return fmt.Sprint(v), true },
		TypeInteger: func(v any) (any, bool) { f, ok := numericValue(v); return int(f), ok },
	},
	TypeString: {
		TypeInteger: func(v any) (any, bool) {
			s := strings.TrimSpace(fmt.Sprint(v))
			n, err := strconv.ParseInt(s, 10, 64)
			return int(n), err == nil
		},
		TypeFloat: func(v any) (any, bool) {
			f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(v)), 64)
			return f, err == nil
		},
		TypeBoolean: func(v any) (any, bool) {
			switch strings.ToLower(strings.TrimSpace(fmt.Sprint(v))) {
			case "true", "yes", "1":
				return true, true
			default:
				return false, true
			}
		},
	},
	TypeBoolean: {
		TypeString: func(v any) (any, bool) { return strings.ToLower(fmt.Sprint(v)), true },
		TypeInteger: func(v any) (any, bool) {
			if b, ok := v.(bool); ok && b {
				return 1, true
			}
			return 0, true
		},
	},
	TypeDate: {
		TypeString:   convertTimeToString,
		TypeDatetime: func(v any) (any, bool) { return v, true },
	},
	TypeDatetime: {
		TypeString: convertTimeToString,
		TypeDate: func(v any) (any, bool) {
			if t, ok := v.(time.Time); ok {
				return t.Truncate(24 * time.Hour), true
			}
			return v, true
		},
	},
}

func convertToFloat(v any) (any, bool) {
	f, ok := numericValue(v)
	return f, ok
}

func convertTimeToString(v any) (any, bool) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339), true
	}
	return fmt.Sprint(v), true
}

// Evolution builds and applies migration plans between schema versions.
type Evolution struct {
	clock func() time.Time
}

// NewEvolution creates an Evolution with the wall clock.
func NewEvolution() *Evolution {
	return &Evolution{clock: func() time.Time { return time.Now().UTC() }}
}

// CreatePlan diffs two schemas into an ordered migration plan: additions
// first, then removals, then per-field changes, each group in field-name
// order.
func (e *Evolution) CreatePlan(sourceID string, from, to *Schema, fromVersion, toVersion int) *MigrationPlan {
	plan := &MigrationPlan{
		SourceID:    sourceID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		CreatedAt:   e.clock(),
	}

	oldFields := fieldMap(from)
	newFields := fieldMap(to)

	for _, name := range sortedDiff(newFields, oldFields) {
		field := newFields[name]
		plan.AddStep(MigrationStep{
			Action:    ActionAddField,
			FieldName: name,
			Params: map[string]any{
				"type":     string(field.Type),
				"required": field.Required,
				"default":  field.Default,
				"nullable": field.Nullable,
			},
			Reversible:  true,
			Description: fmt.Sprintf("Add new field %q with type %s", name, field.Type),
			ReverseAction: &MigrationStep{
				Action:      ActionRemoveField,
				FieldName:   name,
				Reversible:  true,
				Description: fmt.Sprintf("Remove field %q", name),
			},
		})
	}

	for _, name := range sortedDiff(oldFields, newFields) {
		field := oldFields[name]
		plan.AddStep(MigrationStep{
			Action:      ActionRemoveField,
			FieldName:   name,
			Params:      map[string]any{"original_field": field.toCanonical()},
			Reversible:  true,
			Description: fmt.Sprintf("Remove field %q", name),
			ReverseAction: &MigrationStep{
				Action:      ActionAddField,
				FieldName:   name,
				Params:      field.toCanonical(),
				Reversible:  true,
				Description: fmt.Sprintf("Restore field %q", name),
			},
		})
	}

	for _, name := range sortedCommon(oldFields, newFields) {
		oldField := oldFields[name]
		newField := newFields[name]

		if oldField.Type != newField.Type {
			plan.AddStep(MigrationStep{
				Action:    ActionChangeType,
				FieldName: name,
				Params: map[string]any{
					"from_type": string(oldField.Type),
					"to_type":   string(newField.Type),
				},
				Reversible:  true,
				Description: fmt.Sprintf("Change type of %q from %s to %s", name, oldField.Type, newField.Type),
				ReverseAction: &MigrationStep{
					Action:    ActionChangeType,
					FieldName: name,
					Params: map[string]any{
						"from_type": string(newField.Type),
						"to_type":   string(oldField.Type),
					},
					Reversible:  true,
					Description: fmt.Sprintf("Revert type of %q to %s", name, oldField.Type),
				},
			})
		}

		if oldField.Required != newField.Required {
			action := ActionSetNullable
			if newField.Required {
				action = ActionSetRequired
			}
			plan.AddStep(MigrationStep{
				Action:      action,
				FieldName:   name,
				Params:      map[string]any{"default": newField.Default},
				Reversible:  true,
				Description: fmt.Sprintf("Change %q requiredness", name),
			})
		}

		if fmt.Sprint(oldField.Default) != fmt.Sprint(newField.Default) {
			plan.AddStep(MigrationStep{
				Action:    ActionSetDefault,
				FieldName: name,
				Params: map[string]any{
					"old_default": oldField.Default,
					"new_default": newField.Default,
				},
				Reversible:  true,
				Description: fmt.Sprintf("Change default of %q from %v to %v", name, oldField.Default, newField.Default),
			})
		}
	}

	return plan
}

// Apply runs the plan's steps in order against a copy of record and
// returns the migrated copy plus any conversion warnings.
func (e *Evolution) Apply(plan *MigrationPlan, record map[string]any) (map[string]any, []string) {
	result := make(map[string]any, len(record))
	for k, v := range record {
		result[k] = v
	}

	var warnings []string
	for _, step := range plan.Steps {
		warnings = append(warnings, e.applyStep(step, result)...)
	}
	return result, warnings
}

func (e *Evolution) applyStep(step MigrationStep, record map[string]any) []string {
	switch step.Action {
	case ActionAddField:
		if _, ok := record[step.FieldName]; !ok {
			record[step.FieldName] = step.Params["default"]
		}

	case ActionRemoveField:
		delete(record, step.FieldName)

	case ActionChangeType:
		value, ok := record[step.FieldName]
		if !ok || value == nil {
			break
		}
		from := FieldType(stringOf(step.Params["from_type"]))
		to := FieldType(stringOf(step.Params["to_type"]))
		conv := typeConverters[from][to]
		if conv == nil {
			record[step.FieldName] = nil
			return []string{fmt.Sprintf("no converter for %s: %s -> %s", step.FieldName, from, to)}
		}
		converted, ok := conv(value)
		if !ok {
			record[step.FieldName] = nil
			return []string{fmt.Sprintf("type conversion failed for %s: %s -> %s", step.FieldName, from, to)}
		}
		record[step.FieldName] = converted

	case ActionSetDefault:
		if v, ok := record[step.FieldName]; !ok || v == nil {
			record[step.FieldName] = step.Params["new_default"]
		}

	case ActionSetRequired:
		if v, ok := record[step.FieldName]; !ok || v == nil {
			record[step.FieldName] = step.Params["default"]
		}

	case ActionSetNullable:
		// Nothing to change on the record.

	case ActionRenameField:
		oldName := stringOf(step.Params["old_name"])
		if oldName == "" {
			oldName = step.FieldName
		}
		newName := stringOf(step.Params["new_name"])
		if value, ok := record[oldName]; ok && newName != "" {
			record[newName] = value
			delete(record, oldName)
		}

	case ActionMergeFields:
		sources := stringSlice(step.Params["source_fields"])
		separator := stringOf(step.Params["separator"])
		if separator == "" {
			separator = " "
		}
		var parts []string
		for _, src := range sources {
			if v, ok := record[src]; ok && v != nil && fmt.Sprint(v) != "" {
				parts = append(parts, fmt.Sprint(v))
			}
		}
		if len(parts) > 0 {
			record[step.FieldName] = strings.Join(parts, separator)
		} else {
			record[step.FieldName] = nil
		}
		if removeSources, _ := step.Params["remove_sources"].(bool); removeSources {
			for _, src := range sources {
				delete(record, src)
			}
		}

	case ActionSplitField:
		value, ok := record[step.FieldName]
		separator := stringOf(step.Params["separator"])
		if separator == "" {
			separator = " "
		}
		targets := stringSlice(step.Params["target_fields"])
		if ok && value != nil && fmt.Sprint(value) != "" {
			parts := strings.Split(fmt.Sprint(value), separator)
			for i, target := range targets {
				if i < len(parts) {
					record[target] = parts[i]
				} else {
					record[target] = nil
				}
			}
		}
		if removeSource, _ := step.Params["remove_source"].(bool); removeSource {
			delete(record, step.FieldName)
		}
	}

	return nil
}

// BatchMigrate applies the plan record by record with the selected
// failure policy and returns the per-batch accounting.
func (e *Evolution) BatchMigrate(plan *MigrationPlan, records []map[string]any, onError OnError) (*MigrationResult, error) {
	start := time.Now()

	result := &MigrationResult{TotalRecords: len(records)}

	for idx, record := range records {
		migrated, warnings := e.Apply(plan, record)
		if len(warnings) > 0 {
			entry := map[string]any{"index": idx, "error": strings.Join(warnings, "; ")}
			switch onError {
			case OnErrorFail:
				result.Errors = append(result.Errors, entry)
				result.FailedCount++
				result.DurationMs = time.Since(start).Milliseconds()
				return result, fmt.Errorf("migration failed at record %d: %s", idx, entry["error"])
			case OnErrorSkip:
				result.Errors = append(result.Errors, entry)
				result.FailedCount++
				result.SkippedCount++
				continue
			default: // null: keep the record with nulled fields
				result.Errors = append(result.Errors, entry)
				result.FailedCount++
			}
		}
		result.Records = append(result.Records, migrated)
		result.MigratedCount++
	}

	result.Success = result.FailedCount == 0
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// RollbackPlan builds the inverse plan: reverse actions in reverse order.
func (e *Evolution) RollbackPlan(plan *MigrationPlan) *MigrationPlan {
	rollback := &MigrationPlan{
		SourceID:    plan.SourceID,
		FromVersion: plan.ToVersion,
		ToVersion:   plan.FromVersion,
		CreatedAt:   e.clock(),
	}

	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		switch {
		case step.ReverseAction != nil:
			rollback.AddStep(*step.ReverseAction)
		case step.Reversible:
			if reverse := reverseStep(step); reverse != nil {
				rollback.AddStep(*reverse)
			}
		}
	}
	return rollback
}

func reverseStep(step MigrationStep) *MigrationStep {
	switch step.Action {
	case ActionAddField:
		return &MigrationStep{
			Action:      ActionRemoveField,
			FieldName:   step.FieldName,
			Reversible:  true,
			Description: fmt.Sprintf("Rollback: remove added field %q", step.FieldName),
		}
	case ActionRemoveField:
		params, _ := step.Params["original_field"].(map[string]any)
		return &MigrationStep{
			Action:      ActionAddField,
			FieldName:   step.FieldName,
			Params:      params,
			Reversible:  true,
			Description: fmt.Sprintf("Rollback: restore removed field %q", step.FieldName),
		}
	case ActionChangeType:
		return &MigrationStep{
			Action:    ActionChangeType,
			FieldName: step.FieldName,
			Params: map[string]any{
				"from_type": step.Params["to_type"],
				"to_type":   step.Params["from_type"],
			},
			Reversible:  true,
			Description: fmt.Sprintf("Rollback: revert type change of %q", step.FieldName),
		}
	case ActionSetDefault:
		return &MigrationStep{
			Action:    ActionSetDefault,
			FieldName: step.FieldName,
			Params: map[string]any{
				"old_default": step.Params["new_default"],
				"new_default": step.Params["old_default"],
			},
			Reversible:  true,
			Description: fmt.Sprintf("Rollback: revert default of %q", step.FieldName),
		}
	case ActionRenameField:
		return &MigrationStep{
			Action:    ActionRenameField,
			FieldName: stringOf(step.Params["new_name"]),
			Params: map[string]any{
				"old_name": step.Params["new_name"],
				"new_name": step.Params["old_name"],
			},
			Reversible:  true,
			Description: fmt.Sprintf("Rollback: rename %v back to %v", step.Params["new_name"], step.Params["old_name"]),
		}
	}
	return nil
}

// EstimateImpact dry-runs the plan's conversions and removals against a
// sample to estimate failure rates and data loss.
func (e *Evolution) EstimateImpact(plan *MigrationPlan, sample []map[string]any) (map[string]any, error) {
	if len(sample) == 0 {
		return nil, common.NewError(common.ErrDatabaseOperation, "E106", "no sample data provided")
	}

	affectedFields := map[string]struct{}{}
	typeConversions := map[string]any{}
	dataLoss := map[string]any{}
	var risks []map[string]any

	for _, step := range plan.Steps {
		affectedFields[step.FieldName] = struct{}{}

		switch step.Action {
		case ActionChangeType:
			from := FieldType(stringOf(step.Params["from_type"]))
			to := FieldType(stringOf(step.Params["to_type"]))
			conv := typeConverters[from][to]

			failures := 0
			for _, record := range sample {
				value, ok := record[step.FieldName]
				if !ok || value == nil {
					continue
				}
				if conv == nil {
					failures++
					continue
				}
				if _, ok := conv(value); !ok {
					failures++
				}
			}

			typeConversions[step.FieldName] = map[string]any{
				"from":                   string(from),
				"to":                     string(to),
				"estimated_failure_rate": float64(failures) / float64(len(sample)),
				"sample_failures":        failures,
			}
			if failures > 0 {
				risks = append(risks, map[string]any{
					"field":            step.FieldName,
					"risk_type":        "type_conversion_failure",
					"affected_records": failures,
				})
			}

		case ActionRemoveField:
			nonNull := 0
			for _, record := range sample {
				if v, ok := record[step.FieldName]; ok && v != nil {
					nonNull++
				}
			}
			dataLoss[step.FieldName] = map[string]any{
				"action":         "removed",
				"data_loss_rate": float64(nonNull) / float64(len(sample)),
				"non_null_count": nonNull,
			}
			if nonNull > 0 {
				risks = append(risks, map[string]any{
					"field":            step.FieldName,
					"risk_type":        "field_removal",
					"affected_records": nonNull,
				})
			}
		}
	}

	riskLevel := "low"
	if plan.BreakingChanges {
		riskLevel = "medium"
	}
	if len(risks) > 0 {
		riskLevel = "high"
	}

	fields := make([]string, 0, len(affectedFields))
	for f := range affectedFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return map[string]any{
		"affected_fields":     fields,
		"step_count":          len(plan.Steps),
		"requires_backfill":   plan.RequiresBackfill,
		"breaking_changes":    plan.BreakingChanges,
		"type_conversions":    typeConversions,
		"potential_data_loss": dataLoss,
		"data_loss_risks":     risks,
		"risk_level":          riskLevel,
		"sample_size":         len(sample),
		"action_summary":      plan.Summary(),
	}, nil
}

// ValidatePlan cross-checks a plan against its endpoint schemas.
func (e *Evolution) ValidatePlan(plan *MigrationPlan, from, to *Schema) []string {
	var issues []string
	fromFields := fieldMap(from)
	toFields := fieldMap(to)

	for _, step := range plan.Steps {
		switch step.Action {
		case ActionAddField:
			if _, ok := toFields[step.FieldName]; !ok {
				issues = append(issues, fmt.Sprintf("add_field %q not in target schema", step.FieldName))
			}
		case ActionRemoveField:
			if _, ok := fromFields[step.FieldName]; !ok {
				issues = append(issues, fmt.Sprintf("remove_field %q not in source schema", step.FieldName))
			}
		case ActionChangeType:
			from := stringOf(step.Params["from_type"])
			to := stringOf(step.Params["to_type"])

			if f, ok := fromFields[step.FieldName]; ok && string(f.Type) != from {
				issues = append(issues, fmt.Sprintf(
					"change_type %q: from_type mismatch (plan: %s, actual: %s)",
					step.FieldName, from, f.Type))
			}
			if f, ok := toFields[step.FieldName]; ok && string(f.Type) != to {
				issues = append(issues, fmt.Sprintf(
					"change_type %q: to_type mismatch (plan: %s, actual: %s)",
					step.FieldName, to, f.Type))
			}
			if typeConverters[FieldType(from)][FieldType(to)] == nil {
				issues = append(issues, fmt.Sprintf(
					"change_type %q: no converter for %s -> %s", step.FieldName, from, to))
			}
		}
	}
	return issues
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return nil
	}
}
