package db

import "time"

// SourceStatus is the lifecycle state of a crawling target.
type SourceStatus string

const (
	SourcePending  SourceStatus = "pending"
	SourceActive   SourceStatus = "active"
	SourceInactive SourceStatus = "inactive"
	SourceError    SourceStatus = "error"
)

// SourceType is the content type a source yields.
type SourceType string

const (
	SourceHTML  SourceType = "html"
	SourcePDF   SourceType = "pdf"
	SourceExcel SourceType = "excel"
	SourceCSV   SourceType = "csv"
)

// Source is a crawling target. Created pending, activated when an
// extractor is bound, errored after repeated failures, deactivated by an
// operator.
type Source struct {
	ID          IdRef          `bson:"_id,omitempty"`
	Name        string         `bson:"name"`
	URL         string         `bson:"url"`
	Type        SourceType     `bson:"type"`
	Fields      []SourceField  `bson:"fields,omitempty"`
	Schedule    string         `bson:"schedule,omitempty"`
	Status      SourceStatus   `bson:"status"`
	ErrorCount  int            `bson:"error_count"`
	LastRun     *time.Time     `bson:"last_run,omitempty"`
	LastSuccess *time.Time     `bson:"last_success,omitempty"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   *time.Time     `bson:"updated_at,omitempty"`
}

// SourceField is a user-declared extraction hint.
type SourceField struct {
	Name        string `bson:"name"`
	DataType    string `bson:"data_type,omitempty"`
	Required    *bool  `bson:"required,omitempty"`
	Description string `bson:"description,omitempty"`
}

// CrawlerStatus is the activation state of an extractor version.
type CrawlerStatus string

const (
	CrawlerActive   CrawlerStatus = "active"
	CrawlerInactive CrawlerStatus = "inactive"
)

// Crawler is one versioned extractor program bound to a source. At most
// one active crawler exists per source.
type Crawler struct {
	ID        IdRef         `bson:"_id,omitempty"`
	SourceID  IdRef         `bson:"source_id"`
	Version   int           `bson:"version"`
	Status    CrawlerStatus `bson:"status"`
	DagID     string        `bson:"dag_id,omitempty"`
	Code      string        `bson:"code"`
	CreatedAt time.Time     `bson:"created_at"`
	CreatedBy string        `bson:"created_by"`
}

// CrawlResult is one pipeline run. Immutable after completion.
type CrawlResult struct {
	ID              IdRef     `bson:"_id,omitempty"`
	SourceID        IdRef     `bson:"source_id"`
	CrawlerID       IdRef     `bson:"crawler_id,omitempty"`
	RunID           string    `bson:"run_id"`
	Status          string    `bson:"status"` // success, partial, failed, running
	RecordCount     int       `bson:"record_count"`
	ExecutionTimeMs int64     `bson:"execution_time_ms"`
	ExecutedAt      time.Time `bson:"executed_at"`
	ErrorCode       string    `bson:"error_code,omitempty"`
	ErrorMessage    string    `bson:"error_message,omitempty"`
	Data            []any     `bson:"data,omitempty"`
}

// ErrorLog is a per-failure record, resolvable exactly once.
type ErrorLog struct {
	ID               IdRef      `bson:"_id,omitempty"`
	SourceID         IdRef      `bson:"source_id,omitempty"`
	ErrorCode        string     `bson:"error_code"`
	Message          string     `bson:"message"`
	Resolved         bool       `bson:"resolved"`
	ResolvedAt       *time.Time `bson:"resolved_at,omitempty"`
	ResolutionMethod string     `bson:"resolution_method,omitempty"` // auto, manual
	ResolutionDetail string     `bson:"resolution_detail,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
}

// HealthStatus is the result of a store health check.
type HealthStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Database  string `json:"database"`
	Error     string `json:"error,omitempty"`
}
