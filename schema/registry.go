package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
)

// Registry stores versioned schemas per source in the schema_registry
// collection. Registrations for a single source are serialized by a
// per-source lock so concurrent writers cannot both claim latest+1;
// different sources register independently.
type Registry struct {
	store     db.Database
	checker   *Checker
	validator *Validator
	clock     func() time.Time

	cacheMu sync.RWMutex
	cache   map[string][]*SchemaVersion // source_id -> versions ascending

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store db.Database) *Registry {
	return &Registry{
		store:     store,
		checker:   NewChecker(),
		validator: NewValidator(),
		clock:     func() time.Time { return time.Now().UTC() },
		cache:     map[string][]*SchemaVersion{},
		locks:     map[string]*sync.Mutex{},
	}
}

// WithClock injects a time source for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) sourceLock(sourceID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	mu, ok := r.locks[sourceID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[sourceID] = mu
	}
	return mu
}

// Register stores a new schema version for the source.
//
// Identical content (by fingerprint) returns the existing latest version
// with an empty result and writes nothing. Otherwise the change is
// validated against the latest version (all prior active versions under
// transitive modes); any error-severity issue aborts with
// common.ErrSchemaIncompatible and no write occurs.
func (r *Registry) Register(
	ctx context.Context,
	sourceID string,
	s *Schema,
	createdBy string,
	changeDescription string,
	mode CompatibilityMode,
	tags []string,
) (*SchemaVersion, CompatibilityResult, error) {
	if mode == "" {
		mode = ModeBackward
	}

	mu := r.sourceLock(sourceID)
	mu.Lock()
	defer mu.Unlock()

	fingerprint := s.Fingerprint()

	versions, err := r.versions(ctx, sourceID, false)
	if err != nil {
		return nil, CompatibilityResult{}, err
	}

	var latest *SchemaVersion
	if len(versions) > 0 {
		latest = versions[len(versions)-1]
	}

	if latest != nil && latest.Fingerprint == fingerprint {
		common.Logger.WithField("source_id", sourceID).
			WithField("fingerprint", fingerprint).
			Info("schema unchanged, returning existing version")
		return latest, CompatibilityResult{IsCompatible: true, Mode: mode, CheckedAt: r.clock()}, nil
	}

	result := CompatibilityResult{IsCompatible: true, Mode: mode, CheckedAt: r.clock()}
	if latest != nil && mode != ModeNone {
		if mode.Transitive() {
			for _, prior := range versions {
				prev := r.checker.Check(prior.Schema, s, mode)
				result.Issues = append(result.Issues, prev.Issues...)
				result.IsCompatible = result.IsCompatible && prev.IsCompatible
			}
		} else {
			result = r.checker.Check(latest.Schema, s, mode)
		}

		if !result.IsCompatible {
			var parts []string
			for _, issue := range result.Errors() {
				parts = append(parts, fmt.Sprintf("%s: %s", issue.FieldName, issue.Message))
			}
			return nil, result, common.NewError(common.ErrSchemaIncompatible, "E105",
				fmt.Sprintf("schema incompatible with mode %q: %s", mode, strings.Join(parts, "; ")))
		}
	}

	// Number past every stored version, deprecated ones included, so that
	// version numbers stay unique per source.
	all, err := r.versions(ctx, sourceID, true)
	if err != nil {
		return nil, CompatibilityResult{}, err
	}
	next := 1
	if len(all) > 0 {
		next = all[len(all)-1].Version + 1
	}

	version := &SchemaVersion{
		Version:           next,
		Schema:            s,
		Fingerprint:       fingerprint,
		CreatedAt:         r.clock(),
		CreatedBy:         createdBy,
		ChangeDescription: changeDescription,
		IsActive:          true,
		CompatibilityMode: mode,
		Tags:              tags,
	}

	if err := r.saveVersion(ctx, sourceID, version); err != nil {
		return nil, result, err
	}

	common.Logger.WithField("source_id", sourceID).
		WithField("version", version.Version).
		WithField("fingerprint", fingerprint).
		WithField("warnings", len(result.Warnings())).
		Info("schema registered")

	return version, result, nil
}

// RegisterForCategory seeds a source with its category default schema
// plus optional extra fields.
func (r *Registry) RegisterForCategory(
	ctx context.Context,
	sourceID string,
	category DataCategory,
	createdBy string,
	extraFields []FieldSchema,
) (*SchemaVersion, CompatibilityResult, error) {
	s := DefaultSchema(category)
	for _, f := range extraFields {
		if err := s.AddField(f); err != nil {
			return nil, CompatibilityResult{}, err
		}
	}
	return r.Register(ctx, sourceID, s, createdBy,
		fmt.Sprintf("Initial schema from category: %s", category), ModeBackward, nil)
}

// Get returns the requested version, or with version 0 the
// highest-numbered active version (falling back to the overall highest).
func (r *Registry) Get(ctx context.Context, sourceID string, version int) (*SchemaVersion, error) {
	versions, err := r.versions(ctx, sourceID, true)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}

	if version == 0 {
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].IsActive {
				return versions[i], nil
			}
		}
		return versions[len(versions)-1], nil
	}

	for _, v := range versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, nil
}

// Versions lists schema versions for a source, oldest first.
func (r *Registry) Versions(ctx context.Context, sourceID string, includeInactive bool) ([]*SchemaVersion, error) {
	return r.versions(ctx, sourceID, includeInactive)
}

// History summarizes the most recent limit versions.
func (r *Registry) History(ctx context.Context, sourceID string, limit int) ([]map[string]any, error) {
	versions, err := r.versions(ctx, sourceID, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[len(versions)-limit:]
	}

	out := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		out = append(out, map[string]any{
			"version":            v.Version,
			"fingerprint":        v.Fingerprint,
			"created_at":         v.CreatedAt.Format(time.RFC3339),
			"created_by":         v.CreatedBy,
			"change_description": v.ChangeDescription,
			"is_active":          v.IsActive,
			"field_count":        len(v.Schema.Fields),
			"tags":               v.Tags,
		})
	}
	return out, nil
}

// Deprecate deactivates one version, recording the audit fields.
// Idempotent; later registrations still produce higher active versions.
func (r *Registry) Deprecate(ctx context.Context, sourceID string, version int, reason string) (bool, error) {
	n, err := r.store.Collection(db.ColSchemaRegistry).UpdateOne(ctx,
		db.Document{"source_id": sourceID, "version": version},
		db.Document{"$set": db.Document{
			"is_active":         false,
			"deprecated_at":     r.clock(),
			"deprecated_reason": reason,
		}},
	)
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.invalidate(sourceID)
		common.Logger.WithField("source_id", sourceID).
			WithField("version", version).
			Info("schema version deprecated")
	}
	return n > 0, nil
}

// CheckCompatibility validates a candidate schema against the current
// one without registering. With mode empty, the last registered mode is
// used.
func (r *Registry) CheckCompatibility(ctx context.Context, sourceID string, candidate *Schema, mode CompatibilityMode) (CompatibilityResult, error) {
	current, err := r.Get(ctx, sourceID, 0)
	if err != nil {
		return CompatibilityResult{}, err
	}
	if current == nil {
		if mode == "" {
			mode = ModeBackward
		}
		return CompatibilityResult{IsCompatible: true, Mode: mode, CheckedAt: r.clock()}, nil
	}
	if mode == "" {
		mode = current.CompatibilityMode
	}
	return r.checker.Check(current.Schema, candidate, mode), nil
}

// ValidateRecords materializes extracted records against the source's
// active schema: each record is checked for required/nullable/type
// conformance (widening rules apply) plus the field constraints. The
// summary counts match the validation_passed/failed pipeline metric
// fields; ValidateRecords does not record any metric itself.
func (r *Registry) ValidateRecords(ctx context.Context, sourceID string, records []map[string]any) (*RecordValidation, error) {
	current, err := r.Get(ctx, sourceID, 0)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, common.NotFound(db.ColSchemaRegistry, sourceID)
	}

	validation := &RecordValidation{
		SourceID: sourceID,
		Version:  current.Version,
		Total:    len(records),
	}
	for index, record := range records {
		result := r.validator.Validate(current.Schema, record)
		if result.Valid {
			validation.Passed++
		} else {
			validation.Failed++
			validation.Failures = append(validation.Failures, RecordFailure{
				Index:  index,
				Errors: result.Errors,
			})
		}
	}

	if validation.Failed > 0 {
		common.Logger.WithField("source_id", sourceID).
			WithField("version", current.Version).
			WithField("failed", validation.Failed).
			WithField("total", validation.Total).
			Warn("record validation found failures")
	}
	return validation, nil
}

// RecordValidation summarizes a batch validation against the active
// schema version.
type RecordValidation struct {
	SourceID string          `json:"source_id"`
	Version  int             `json:"version"`
	Total    int             `json:"total"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Failures []RecordFailure `json:"failures,omitempty"`
}

// RecordFailure pins one failed record to its per-field errors.
type RecordFailure struct {
	Index  int               `json:"index"`
	Errors []ValidationError `json:"errors"`
}

// DetectDrift infers a schema from a live sample and surfaces the delta
// against the registered schema as FULL-mode compatibility issues.
func (r *Registry) DetectDrift(ctx context.Context, sourceID string, sample []map[string]any) (CompatibilityResult, error) {
	current, err := r.Get(ctx, sourceID, 0)
	if err != nil {
		return CompatibilityResult{}, err
	}
	if current == nil {
		return CompatibilityResult{
			IsCompatible: true,
			Issues: []CompatibilityIssue{{
				FieldName: "_",
				IssueType: "no_schema",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("no schema registered for source %s", sourceID),
			}},
			Mode:      ModeFull,
			CheckedAt: r.clock(),
		}, nil
	}

	detected := NewDetector().DetectFromData(sample, nil, "")
	return r.checker.Check(current.Schema, detected, ModeFull), nil
}

// Compare diffs two registered versions.
func (r *Registry) Compare(ctx context.Context, sourceID string, v1, v2 int) (map[string]any, error) {
	first, err := r.Get(ctx, sourceID, v1)
	if err != nil {
		return nil, err
	}
	second, err := r.Get(ctx, sourceID, v2)
	if err != nil {
		return nil, err
	}
	if first == nil || second == nil {
		return nil, common.NotFound(db.ColSchemaRegistry, fmt.Sprintf("%s@v%d/v%d", sourceID, v1, v2))
	}

	firstNames := first.Schema.FieldNames()
	secondNames := second.Schema.FieldNames()

	var added, removed, commonNames []string
	for name := range secondNames {
		if _, ok := firstNames[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range firstNames {
		if _, ok := secondNames[name]; ok {
			commonNames = append(commonNames, name)
		} else {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(commonNames)

	var modified []map[string]any
	for _, name := range commonNames {
		f1 := first.Schema.GetField(name)
		f2 := second.Schema.GetField(name)
		b1, _ := json.Marshal(f1.toCanonical())
		b2, _ := json.Marshal(f2.toCanonical())
		if string(b1) != string(b2) {
			modified = append(modified, map[string]any{
				"field": name,
				"v1":    f1.toCanonical(),
				"v2":    f2.toCanonical(),
			})
		}
	}

	return map[string]any{
		"source_id": sourceID,
		"version1": map[string]any{
			"version": first.Version, "fingerprint": first.Fingerprint, "field_count": len(first.Schema.Fields),
		},
		"version2": map[string]any{
			"version": second.Version, "fingerprint": second.Fingerprint, "field_count": len(second.Schema.Fields),
		},
		"changes": map[string]any{
			"added_fields":    added,
			"removed_fields":  removed,
			"common_fields":   commonNames,
			"modified_fields": modified,
		},
	}, nil
}

// Export renders a schema version in the interchange format.
func (r *Registry) Export(ctx context.Context, sourceID string, version int) (map[string]any, error) {
	v, err := r.Get(ctx, sourceID, version)
	if err != nil || v == nil {
		return nil, err
	}
	return map[string]any{
		"source_id":   sourceID,
		"version":     v.Version,
		"fingerprint": v.Fingerprint,
		"schema":      v.Schema.ToMap(),
		"metadata": map[string]any{
			"created_at":         v.CreatedAt.Format(time.RFC3339),
			"created_by":         v.CreatedBy,
			"change_description": v.ChangeDescription,
			"compatibility_mode": string(v.CompatibilityMode),
			"tags":               v.Tags,
		},
		"exported_at": r.clock().Format(time.RFC3339),
	}, nil
}

// Import registers a schema exported from another source.
func (r *Registry) Import(ctx context.Context, sourceID string, exported map[string]any, createdBy string) (*SchemaVersion, CompatibilityResult, error) {
	raw, ok := exported["schema"]
	if !ok {
		return nil, CompatibilityResult{}, fmt.Errorf("export payload missing schema")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, CompatibilityResult{}, err
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, CompatibilityResult{}, fmt.Errorf("malformed schema payload: %w", err)
	}

	origin, _ := exported["source_id"].(string)
	if origin == "" {
		origin = "unknown"
	}
	return r.Register(ctx, sourceID, &s, createdBy,
		fmt.Sprintf("Imported from %s", origin), ModeBackward, nil)
}

// ListSources summarizes every source with registered schemas.
func (r *Registry) ListSources(ctx context.Context) ([]map[string]any, error) {
	rows, err := r.store.Collection(db.ColSchemaRegistry).Aggregate(ctx, []db.Document{
		{"$group": db.Document{
			"_id":              "$source_id",
			"version_count":    db.Document{"$sum": 1},
			"latest_version":   db.Document{"$max": "$version"},
			"first_registered": db.Document{"$min": "$created_at"},
			"last_updated":     db.Document{"$max": "$created_at"},
		}},
		{"$sort": db.Document{"last_updated": -1}},
	})
	if err == db.ErrAggregationUnsupported {
		return r.listSourcesLegacy(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"source_id":        row["_id"],
			"version_count":    row["version_count"],
			"latest_version":   row["latest_version"],
			"first_registered": row["first_registered"],
			"last_updated":     row["last_updated"],
		})
	}
	return out, nil
}

func (r *Registry) listSourcesLegacy(ctx context.Context) ([]map[string]any, error) {
	docs, err := r.store.Collection(db.ColSchemaRegistry).Find(ctx, db.Document{}, nil)
	if err != nil {
		return nil, err
	}

	type summary struct {
		count          int
		latest         int
		first, updated time.Time
	}
	summaries := map[string]*summary{}
	for _, doc := range docs {
		sid, _ := doc["source_id"].(string)
		s, ok := summaries[sid]
		if !ok {
			s = &summary{}
			summaries[sid] = s
		}
		s.count++
		if v := intOf(doc["version"]); v > s.latest {
			s.latest = v
		}
		if t, ok := doc["created_at"].(time.Time); ok {
			if s.first.IsZero() || t.Before(s.first) {
				s.first = t
			}
			if t.After(s.updated) {
				s.updated = t
			}
		}
	}

	out := make([]map[string]any, 0, len(summaries))
	for sid, s := range summaries {
		out = append(out, map[string]any{
			"source_id":        sid,
			"version_count":    s.count,
			"latest_version":   s.latest,
			"first_registered": s.first,
			"last_updated":     s.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ti, _ := out[i]["last_updated"].(time.Time)
		tj, _ := out[j]["last_updated"].(time.Time)
		return ti.After(tj)
	})
	return out, nil
}

// InvalidateCache drops cached versions for one source, or all when
// sourceID is empty.
func (r *Registry) InvalidateCache(sourceID string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if sourceID == "" {
		r.cache = map[string][]*SchemaVersion{}
		return
	}
	for key := range r.cache {
		if strings.HasPrefix(key, sourceID+":") {
			delete(r.cache, key)
		}
	}
}

func (r *Registry) invalidate(sourceID string) { r.InvalidateCache(sourceID) }

func (r *Registry) versions(ctx context.Context, sourceID string, includeInactive bool) ([]*SchemaVersion, error) {
	cacheKey := fmt.Sprintf("%s:%t", sourceID, includeInactive)

	r.cacheMu.RLock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	filter := db.Document{"source_id": sourceID}
	if !includeInactive {
		filter["is_active"] = true
	}
	docs, err := r.store.Collection(db.ColSchemaRegistry).Find(ctx, filter, &db.FindOptions{
		Sort: []db.SortField{{Key: "version"}},
	})
	if err != nil {
		return nil, err
	}

	versions := make([]*SchemaVersion, 0, len(docs))
	for _, doc := range docs {
		v, err := docToVersion(doc)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	r.cacheMu.Lock()
	r.cache[cacheKey] = versions
	r.cacheMu.Unlock()

	return versions, nil
}

func (r *Registry) saveVersion(ctx context.Context, sourceID string, v *SchemaVersion) error {
	doc := db.Document{
		"source_id":          sourceID,
		"version":            v.Version,
		"schema":             v.Schema.ToMap(),
		"fingerprint":        v.Fingerprint,
		"created_at":         v.CreatedAt,
		"created_by":         v.CreatedBy,
		"change_description": v.ChangeDescription,
		"is_active":          v.IsActive,
		"compatibility_mode": string(v.CompatibilityMode),
		"tags":               v.Tags,
	}
	if _, err := r.store.Collection(db.ColSchemaRegistry).InsertOne(ctx, doc); err != nil {
		return err
	}
	r.invalidate(sourceID)
	return nil
}

func docToVersion(doc db.Document) (*SchemaVersion, error) {
	raw, err := json.Marshal(doc["schema"])
	if err != nil {
		return nil, err
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("malformed stored schema: %w", err)
	}

	v := &SchemaVersion{
		Version:           intOf(doc["version"]),
		Schema:            &s,
		Fingerprint:       stringOf(doc["fingerprint"]),
		CreatedBy:         stringOf(doc["created_by"]),
		ChangeDescription: stringOf(doc["change_description"]),
		CompatibilityMode: CompatibilityMode(stringOf(doc["compatibility_mode"])),
		DeprecatedReason:  stringOf(doc["deprecated_reason"]),
	}
	if t, ok := doc["created_at"].(time.Time); ok {
		v.CreatedAt = t
	}
	if active, ok := doc["is_active"].(bool); ok {
		v.IsActive = active
	}
	if t, ok := doc["deprecated_at"].(time.Time); ok {
		v.DeprecatedAt = &t
	}
	switch tags := doc["tags"].(type) {
	case []string:
		v.Tags = tags
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				v.Tags = append(v.Tags, s)
			}
		}
	}
	if v.CompatibilityMode == "" {
		v.CompatibilityMode = ModeBackward
	}
	return v, nil
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
