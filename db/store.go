// Package db provides the document-store gateway of the control plane.
// It exposes a small Database/Collection capability pair implemented over
// MongoDB (or any Mongo-compatible engine) plus an in-memory
// implementation used by unit tests, and a StoreService facade with the
// typed operations the rest of the system consumes: source/crawler CRUD,
// cascading deletion, health checks, and dashboard aggregations.
//
// Identifier safety: every operation that accepts an id string routes it
// through ParseIdRef, so malformed identifiers surface as recoverable
// client errors.
//
// Failure semantics: connection-level errors are wrapped as
// common.ErrDatabaseConnection (retryable), duplicate-key violations as
// common.ErrDuplicateKey, and missing documents as
// common.ErrDocumentNotFound. List queries with no matches return empty
// results, not errors.
package db

import (
	"context"
	"errors"
)

// Document is an open field bag as stored by the document engine.
type Document = map[string]any

// SortField orders query results by one key.
type SortField struct {
	Key  string
	Desc bool
}

// FindOptions carries pagination and ordering for Find.
type FindOptions struct {
	Sort  []SortField
	Skip  int64
	Limit int64
}

// ErrAggregationUnsupported is returned by engines without server-side
// aggregation. Callers fall back to the N+1 legacy path.
var ErrAggregationUnsupported = errors.New("aggregation not supported by this engine")

// Collection is the per-collection capability surface.
type Collection interface {
	// FindOne returns the first match, or (nil, nil) when nothing matches.
	FindOne(ctx context.Context, filter Document) (Document, error)
	// Find returns all matches honoring opts; no match returns empty.
	Find(ctx context.Context, filter Document, opts *FindOptions) ([]Document, error)
	// Count returns the number of matching documents.
	Count(ctx context.Context, filter Document) (int64, error)
	// InsertOne stores doc, generating _id when absent, and returns the id.
	InsertOne(ctx context.Context, doc Document) (IdRef, error)
	// InsertMany stores docs in order and returns the generated ids.
	InsertMany(ctx context.Context, docs []Document) ([]IdRef, error)
	// UpdateOne applies update operators to the first match; returns the
	// modified count.
	UpdateOne(ctx context.Context, filter, update Document) (int64, error)
	// UpdateMany applies update operators to all matches.
	UpdateMany(ctx context.Context, filter, update Document) (int64, error)
	// DeleteOne removes the first match; returns the deleted count.
	DeleteOne(ctx context.Context, filter Document) (int64, error)
	// DeleteMany removes all matches.
	DeleteMany(ctx context.Context, filter Document) (int64, error)
	// Aggregate runs a server-side pipeline ($match, $group, $sort,
	// $project, $facet, $unwind, ...).
	Aggregate(ctx context.Context, pipeline []Document) ([]Document, error)
}

// Database is the engine-level capability surface.
type Database interface {
	Collection(name string) Collection
	ListCollectionNames(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Name() string
}

// Core collection names. Staging and production collections are resolved
// through the promotion mapping.
const (
	ColSources           = "sources"
	ColCrawlers          = "crawlers"
	ColCrawlerHistory    = "crawler_history"
	ColCrawlResults      = "crawl_results"
	ColErrorLogs         = "error_logs"
	ColSchemaRegistry    = "schema_registry"
	ColDataCatalog       = "data_catalog"
	ColDataColumns       = "data_columns"
	ColDataTags          = "data_tags"
	ColDataLineage       = "data_lineage"
	ColColumnLineage     = "column_lineage"
	ColDataReviews       = "data_reviews"
	ColReviewerBookmarks = "reviewer_bookmarks"
	ColBulkJobs          = "bulk_jobs"
	ColReviewAuditLog    = "review_audit_log"
	ColPipelineMetrics   = "pipeline_metrics"
	ColAlertRules        = "alert_rules"
	ColAlertHistory      = "alert_history"
	ColSLADefinitions    = "sla_definitions"
	ColSLABreaches       = "sla_breaches"
	ColSLAEvaluations    = "sla_evaluations"
	ColFreshnessConfig   = "freshness_config"
	ColFreshnessHistory  = "freshness_history"
)
