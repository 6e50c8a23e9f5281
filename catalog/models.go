// Package catalog implements the data catalog: dataset and column
// metadata, reference-counted tags, quality metrics, and automatic
// registration of known system collections.
package catalog

import "time"

// DatasetType classifies where a dataset sits in the pipeline.
type DatasetType string

const (
	DatasetSource      DatasetType = "source"
	DatasetStaging     DatasetType = "staging"
	DatasetTransformed DatasetType = "transformed"
	DatasetAggregated  DatasetType = "aggregated"
	DatasetFinal       DatasetType = "final"
)

// DatasetStatus is the dataset lifecycle: draft → active → deprecated →
// archived.
type DatasetStatus string

const (
	StatusDraft      DatasetStatus = "draft"
	StatusActive     DatasetStatus = "active"
	StatusDeprecated DatasetStatus = "deprecated"
	StatusArchived   DatasetStatus = "archived"
)

// ColumnType is the data type of one column.
type ColumnType string

const (
	ColString   ColumnType = "string"
	ColInteger  ColumnType = "integer"
	ColFloat    ColumnType = "float"
	ColBoolean  ColumnType = "boolean"
	ColDate     ColumnType = "date"
	ColDatetime ColumnType = "datetime"
	ColArray    ColumnType = "array"
	ColObject   ColumnType = "object"
	ColBinary   ColumnType = "binary"
	ColUnknown  ColumnType = "unknown"
)

// SensitivityLevel grades data sensitivity.
type SensitivityLevel string

const (
	SensitivityPublic       SensitivityLevel = "public"
	SensitivityInternal     SensitivityLevel = "internal"
	SensitivityConfidential SensitivityLevel = "confidential"
	SensitivityRestricted   SensitivityLevel = "restricted"
)

// TagCategory groups tags.
type TagCategory string

const (
	TagDomain    TagCategory = "domain"
	TagTechnical TagCategory = "technical"
	TagQuality   TagCategory = "quality"
	TagUsage     TagCategory = "usage"
	TagCustom    TagCategory = "custom"
)

// Tag is a named label with a usage counter maintained alongside dataset
// updates. The counter only ever increments; detaching a tag does not
// decrement it.
type Tag struct {
	Name        string      `json:"name"`
	Category    TagCategory `json:"category"`
	Description string      `json:"description,omitempty"`
	Color       string      `json:"color,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CreatedBy   string      `json:"created_by"`
	UsageCount  int         `json:"usage_count"`
}

// QualityMetrics is the opaque quality substructure attached to a
// dataset; OverallScore is recomputed from fixed weights on update.
type QualityMetrics struct {
	Completeness    float64    `json:"completeness"`
	Accuracy        float64    `json:"accuracy"`
	Consistency     float64    `json:"consistency"`
	Timeliness      float64    `json:"timeliness"`
	Uniqueness      float64    `json:"uniqueness"`
	Validity        float64    `json:"validity"`
	OverallScore    float64    `json:"overall_score"`
	LastAssessedAt  *time.Time `json:"last_assessed_at,omitempty"`
	AssessedRecords int        `json:"assessed_records,omitempty"`
	FailedChecks    int        `json:"failed_checks,omitempty"`
}

// CalculateOverall recomputes the weighted overall score.
func (q *QualityMetrics) CalculateOverall() float64 {
	q.OverallScore = q.Completeness*0.20 +
		q.Accuracy*0.25 +
		q.Consistency*0.15 +
		q.Timeliness*0.10 +
		q.Uniqueness*0.15 +
		q.Validity*0.15
	return q.OverallScore
}

// ColumnStatistics holds regenerated (never hand-edited) column stats.
type ColumnStatistics struct {
	NullCount        int        `json:"null_count"`
	NullPercentage   float64    `json:"null_percentage"`
	UniqueCount      int        `json:"unique_count"`
	UniquePercentage float64    `json:"unique_percentage"`
	MinValue         any        `json:"min_value,omitempty"`
	MaxValue         any        `json:"max_value,omitempty"`
	MeanValue        *float64   `json:"mean_value,omitempty"`
	SampleValues     []any      `json:"sample_values,omitempty"`
	LastComputedAt   *time.Time `json:"last_computed_at,omitempty"`
	TotalRecords     int        `json:"total_records"`
}

// Column describes one dataset column.
type Column struct {
	Name               string            `json:"name"`
	DataType           ColumnType        `json:"data_type"`
	Description        string            `json:"description,omitempty"`
	IsNullable         bool              `json:"is_nullable"`
	IsPrimaryKey       bool              `json:"is_primary_key,omitempty"`
	IsForeignKey       bool              `json:"is_foreign_key,omitempty"`
	ForeignKeyRef      string            `json:"foreign_key_ref,omitempty"`
	Sensitivity        SensitivityLevel  `json:"sensitivity,omitempty"`
	BusinessName       string            `json:"business_name,omitempty"`
	BusinessDefinition string            `json:"business_definition,omitempty"`
	ExampleValues      []any             `json:"example_values,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	Statistics         *ColumnStatistics `json:"statistics,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          *time.Time        `json:"updated_at,omitempty"`
}

// Owner assigns a person to a dataset.
type Owner struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Role       string    `json:"role"` // owner, steward, contributor
	AssignedAt time.Time `json:"assigned_at"`
}

// LineageRef is the embedded upstream/downstream reference kept on the
// dataset for display.
type LineageRef struct {
	DatasetID      string `json:"dataset_id"`
	DatasetName    string `json:"dataset_name"`
	Relationship   string `json:"relationship"` // upstream, downstream
	Transformation string `json:"transformation,omitempty"`
}

// Dataset is a cataloged collection with its columns, tags, owners,
// quality metrics, and embedded lineage references.
type Dataset struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	DisplayName    string           `json:"display_name,omitempty"`
	Description    string           `json:"description,omitempty"`
	DatasetType    DatasetType      `json:"dataset_type"`
	Status         DatasetStatus    `json:"status"`
	CollectionName string           `json:"collection_name"`
	SourceID       string           `json:"source_id,omitempty"`
	Owners         []Owner          `json:"owners,omitempty"`
	Columns        []Column         `json:"columns,omitempty"`
	Tags           []string         `json:"tags,omitempty"`
	Domain         string           `json:"domain,omitempty"`
	Subdomain      string           `json:"subdomain,omitempty"`
	Quality        *QualityMetrics  `json:"quality_metrics,omitempty"`
	Upstream       []LineageRef     `json:"upstream,omitempty"`
	Downstream     []LineageRef     `json:"downstream,omitempty"`
	Sensitivity    SensitivityLevel `json:"sensitivity,omitempty"`
	RecordCount    int64            `json:"record_count"`
	SizeBytes      int64            `json:"size_bytes,omitempty"`
	AccessCount    int64            `json:"access_count,omitempty"`
	LastUpdatedAt  *time.Time       `json:"last_updated_at,omitempty"`
	LastAccessedAt *time.Time       `json:"last_accessed_at,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty"`
	CreatedBy      string           `json:"created_by"`
}

// GetColumn returns the named column, or nil.
func (d *Dataset) GetColumn(name string) *Column {
	for i := range d.Columns {
		if d.Columns[i].Name == name {
			return &d.Columns[i]
		}
	}
	return nil
}

// Statistics summarizes the catalog.
type Statistics struct {
	TotalDatasets     int64            `json:"total_datasets"`
	ActiveDatasets    int64            `json:"active_datasets"`
	TotalColumns      int64            `json:"total_columns"`
	DocumentedColumns int64            `json:"documented_columns"`
	TotalTags         int64            `json:"total_tags"`
	AvgQualityScore   float64          `json:"avg_quality_score"`
	DatasetsByType    map[string]int64 `json:"datasets_by_type"`
	DatasetsByDomain  map[string]int64 `json:"datasets_by_domain"`
	DatasetsByStatus  map[string]int64 `json:"datasets_by_status"`
	ComputedAt        time.Time        `json:"computed_at"`
}
