// Package observability implements the monitoring core of the control
// plane: the pipeline-run metrics collector with dashboard aggregations,
// the rule-based alert engine with cooldowns and escalation, the SLA
// monitor with windowed evaluation, the per-source freshness tracker,
// the executive dashboard, and Prometheus exposition.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
)

// RunStatus is the lifecycle state of one pipeline run.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// PipelineMetric captures per-run telemetry.
type PipelineMetric struct {
	SourceID  string `json:"source_id"`
	RunID     string `json:"run_id"`
	CrawlerID string `json:"crawler_id,omitempty"`
	DagID     string `json:"dag_id,omitempty"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`

	RecordsExtracted   int `json:"records_extracted"`
	RecordsTransformed int `json:"records_transformed"`
	RecordsLoaded      int `json:"records_loaded"`
	RecordsSkipped     int `json:"records_skipped"`
	RecordsFailed      int `json:"records_failed"`

	QualityScore     *float64 `json:"quality_score,omitempty"`
	ValidationPassed int      `json:"validation_passed"`
	ValidationFailed int      `json:"validation_failed"`

	ErrorCount   int            `json:"error_count"`
	WarningCount int            `json:"warning_count"`
	ErrorTypes   map[string]int `json:"error_types,omitempty"`
	LastError    string         `json:"last_error,omitempty"`

	Status string `json:"status"`

	MemoryPeakMB *float64 `json:"memory_peak_mb,omitempty"`
	CPUTimeMs    *int64   `json:"cpu_time_ms,omitempty"`
	NetworkBytes *int64   `json:"network_bytes,omitempty"`

	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddError records one error occurrence on the metric.
func (m *PipelineMetric) AddError(errorType, message string) {
	m.ErrorCount++
	if m.ErrorTypes == nil {
		m.ErrorTypes = map[string]int{}
	}
	m.ErrorTypes[errorType]++
	m.LastError = message
}

// ErrorRate is records_failed over records_extracted as a percentage.
func (m *PipelineMetric) ErrorRate() float64 {
	total := m.RecordsExtracted
	if total == 0 {
		total = 1
	}
	return float64(m.RecordsFailed) / float64(total) * 100
}

// Throughput is records_loaded per second of execution.
func (m *PipelineMetric) Throughput() float64 {
	if m.ExecutionTimeMs <= 0 {
		return 0
	}
	return float64(m.RecordsLoaded) / (float64(m.ExecutionTimeMs) / 1000)
}

// Collector records and aggregates pipeline metrics. Running metrics
// live in a mutex-guarded in-process map keyed by run_id until
// completion, then persist in pipeline_metrics.
type Collector struct {
	store db.Database
	clock func() time.Time

	mu      sync.Mutex
	running map[string]*PipelineMetric
}

// NewCollector creates a metrics collector.
func NewCollector(store db.Database) *Collector {
	return &Collector{
		store:   store,
		clock:   func() time.Time { return time.Now().UTC() },
		running: map[string]*PipelineMetric{},
	}
}

// WithClock injects a time source for tests.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

// StartMetric opens a running metric for the run.
func (c *Collector) StartMetric(sourceID, runID, crawlerID, dagID, category string) *PipelineMetric {
	metric := &PipelineMetric{
		SourceID:  sourceID,
		RunID:     runID,
		CrawlerID: crawlerID,
		DagID:     dagID,
		Category:  category,
		StartedAt: c.clock(),
		Status:    RunRunning,
	}

	c.mu.Lock()
	c.running[runID] = metric
	c.mu.Unlock()

	runningRunsGauge.Set(float64(c.RunningCount()))
	return metric
}

// UpdateMetric patches fields on a running metric.
func (c *Collector) UpdateMetric(runID string, patch func(*PipelineMetric)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	metric, ok := c.running[runID]
	if !ok {
		return false
	}
	patch(metric)
	return true
}

// CompleteMetric closes a running metric with the final status, computes
// the execution time, persists it, and removes it from the running map.
func (c *Collector) CompleteMetric(ctx context.Context, runID, status string) (*PipelineMetric, error) {
	c.mu.Lock()
	metric, ok := c.running[runID]
	if ok {
		delete(c.running, runID)
	}
	c.mu.Unlock()

	if !ok {
		return nil, common.NotFound(db.ColPipelineMetrics, runID)
	}

	now := c.clock()
	metric.CompletedAt = &now
	metric.Status = status
	metric.ExecutionTimeMs = now.Sub(metric.StartedAt).Milliseconds()

	if err := c.persist(ctx, metric); err != nil {
		return metric, err
	}

	runningRunsGauge.Set(float64(c.RunningCount()))
	observeRun(metric)
	return metric, nil
}

// RecordMetric is the one-shot form for callers that already have a
// completed metric.
func (c *Collector) RecordMetric(ctx context.Context, metric *PipelineMetric) error {
	if metric.CompletedAt == nil {
		now := c.clock()
		metric.CompletedAt = &now
	}
	if metric.ExecutionTimeMs == 0 && !metric.StartedAt.IsZero() {
		metric.ExecutionTimeMs = metric.CompletedAt.Sub(metric.StartedAt).Milliseconds()
	}
	if err := c.persist(ctx, metric); err != nil {
		return err
	}
	observeRun(metric)
	return nil
}

// RunningCount reports how many runs are currently open.
func (c *Collector) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

func (c *Collector) persist(ctx context.Context, metric *PipelineMetric) error {
	doc := db.Document{
		"source_id":           metric.SourceID,
		"run_id":              metric.RunID,
		"started_at":          metric.StartedAt,
		"execution_time_ms":   metric.ExecutionTimeMs,
		"records_extracted":   metric.RecordsExtracted,
		"records_transformed": metric.RecordsTransformed,
		"records_loaded":      metric.RecordsLoaded,
		"records_skipped":     metric.RecordsSkipped,
		"records_failed":      metric.RecordsFailed,
		"validation_passed":   metric.ValidationPassed,
		"validation_failed":   metric.ValidationFailed,
		"error_count":         metric.ErrorCount,
		"warning_count":       metric.WarningCount,
		"status":              metric.Status,
		"created_at":          c.clock(),
	}
	if metric.CrawlerID != "" {
		doc["crawler_id"] = metric.CrawlerID
	}
	if metric.DagID != "" {
		doc["dag_id"] = metric.DagID
	}
	if metric.CompletedAt != nil {
		doc["completed_at"] = *metric.CompletedAt
	}
	if metric.QualityScore != nil {
		doc["quality_score"] = *metric.QualityScore
	}
	if len(metric.ErrorTypes) > 0 {
		errorTypes := db.Document{}
		for k, v := range metric.ErrorTypes {
			errorTypes[k] = v
		}
		doc["error_types"] = errorTypes
	}
	if metric.LastError != "" {
		doc["last_error"] = metric.LastError
	}
	if metric.MemoryPeakMB != nil {
		doc["memory_peak_mb"] = *metric.MemoryPeakMB
	}
	if metric.CPUTimeMs != nil {
		doc["cpu_time_ms"] = *metric.CPUTimeMs
	}
	if metric.NetworkBytes != nil {
		doc["network_bytes"] = *metric.NetworkBytes
	}
	if metric.Category != "" {
		doc["category"] = metric.Category
	}
	if metric.Metadata != nil {
		doc["metadata"] = metric.Metadata
	}

	_, err := c.store.Collection(db.ColPipelineMetrics).InsertOne(ctx, doc)
	return err
}

// MetricsBySource lists recent persisted metrics for one source.
func (c *Collector) MetricsBySource(ctx context.Context, sourceID string, limit int64) ([]db.Document, error) {
	return c.store.Collection(db.ColPipelineMetrics).Find(ctx,
		db.Document{"source_id": sourceID},
		&db.FindOptions{Sort: []db.SortField{{Key: "started_at", Desc: true}}, Limit: limit},
	)
}

// AggregateStats groups the window's runs by status and derives totals,
// success_rate, and error_rate.
func (c *Collector) AggregateStats(ctx context.Context, sourceID string, hours int) (map[string]any, error) {
	since := c.clock().Add(-time.Duration(hours) * time.Hour)
	match := db.Document{"started_at": db.Document{"$gte": since}}
	if sourceID != "" {
		match["source_id"] = sourceID
	}

	rows, err := c.store.Collection(db.ColPipelineMetrics).Aggregate(ctx, []db.Document{
		{"$match": match},
		{"$group": db.Document{
			"_id":                  "$status",
			"count":                db.Document{"$sum": 1},
			"total_records":        db.Document{"$sum": "$records_loaded"},
			"total_errors":         db.Document{"$sum": "$error_count"},
			"avg_execution_time":   db.Document{"$avg": "$execution_time_ms"},
			"avg_quality_score":    db.Document{"$avg": "$quality_score"},
			"total_execution_time": db.Document{"$sum": "$execution_time_ms"},
		}},
	})
	if errors.Is(err, db.ErrAggregationUnsupported) {
		rows, err = c.aggregateStatsLegacy(ctx, match)
	}
	if err != nil {
		return nil, err
	}

	return ShapeAggregateStats(rows, hours), nil
}

// aggregateStatsLegacy reproduces the status grouping client-side.
func (c *Collector) aggregateStatsLegacy(ctx context.Context, match db.Document) ([]db.Document, error) {
	docs, err := c.store.Collection(db.ColPipelineMetrics).Find(ctx, match, nil)
	if err != nil {
		return nil, err
	}

	type acc struct {
		count, records, errs int
		execSum              float64
		qualitySum           float64
		qualityCount         int
	}
	groups := map[string]*acc{}
	for _, doc := range docs {
		status := fmt.Sprint(doc["status"])
		g, ok := groups[status]
		if !ok {
			g = &acc{}
			groups[status] = g
		}
		g.count++
		g.records += intVal(doc["records_loaded"])
		g.errs += intVal(doc["error_count"])
		g.execSum += floatVal(doc["execution_time_ms"])
		if q, ok := doc["quality_score"]; ok && q != nil {
			g.qualitySum += floatVal(q)
			g.qualityCount++
		}
	}

	rows := make([]db.Document, 0, len(groups))
	for status, g := range groups {
		var avgQuality any
		if g.qualityCount > 0 {
			avgQuality = g.qualitySum / float64(g.qualityCount)
		}
		rows = append(rows, db.Document{
			"_id":                  status,
			"count":                g.count,
			"total_records":        g.records,
			"total_errors":         g.errs,
			"avg_execution_time":   g.execSum / float64(g.count),
			"avg_quality_score":    avgQuality,
			"total_execution_time": g.execSum,
		})
	}
	return rows, nil
}

// ShapeAggregateStats turns grouped rows into the dashboard payload.
// Split out so the shaping is testable without an aggregation engine.
func ShapeAggregateStats(rows []db.Document, hours int) map[string]any {
	byStatus := map[string]any{}
	totals := map[string]any{
		"runs": 0, "records": 0, "errors": 0, "execution_time_ms": 0.0,
	}
	runs, records, errs := 0, 0, 0
	var execTotal float64

	for _, row := range rows {
		status := fmt.Sprint(row["_id"])
		count := intVal(row["count"])
		byStatus[status] = map[string]any{
			"count":                 count,
			"records":               intVal(row["total_records"]),
			"errors":                intVal(row["total_errors"]),
			"avg_execution_time_ms": floatVal(row["avg_execution_time"]),
			"avg_quality_score":     floatVal(row["avg_quality_score"]),
		}
		runs += count
		records += intVal(row["total_records"])
		errs += intVal(row["total_errors"])
		execTotal += floatVal(row["total_execution_time"])
	}

	totals["runs"] = runs
	totals["records"] = records
	totals["errors"] = errs
	totals["execution_time_ms"] = execTotal

	if runs > 0 {
		successCount := 0
		if group, ok := byStatus[RunSuccess].(map[string]any); ok {
			successCount = intVal(group["count"])
		}
		totals["success_rate"] = float64(successCount) / float64(runs) * 100
		if records > 0 {
			totals["error_rate"] = float64(errs) / float64(records) * 100
		} else {
			totals["error_rate"] = 0.0
		}
	}

	return map[string]any{
		"period_hours": hours,
		"by_status":    byStatus,
		"totals":       totals,
	}
}

// SourceStats rolls the window up per source, sorted by run count.
func (c *Collector) SourceStats(ctx context.Context, hours int, limit int) ([]map[string]any, error) {
	since := c.clock().Add(-time.Duration(hours) * time.Hour)

	rows, err := c.store.Collection(db.ColPipelineMetrics).Aggregate(ctx, []db.Document{
		{"$match": db.Document{"started_at": db.Document{"$gte": since}}},
		{"$group": db.Document{
			"_id":                "$source_id",
			"total_runs":         db.Document{"$sum": 1},
			"success_count":      db.Document{"$sum": db.Document{"$cond": []any{db.Document{"$eq": []any{"$status", RunSuccess}}, 1, 0}}},
			"failed_count":       db.Document{"$sum": db.Document{"$cond": []any{db.Document{"$eq": []any{"$status", RunFailed}}, 1, 0}}},
			"total_records":      db.Document{"$sum": "$records_loaded"},
			"total_errors":       db.Document{"$sum": "$error_count"},
			"avg_execution_time": db.Document{"$avg": "$execution_time_ms"},
			"avg_quality_score":  db.Document{"$avg": "$quality_score"},
			"last_run":           db.Document{"$max": "$started_at"},
		}},
		{"$sort": db.Document{"total_runs": -1}},
		{"$limit": limit},
	})
	if errors.Is(err, db.ErrAggregationUnsupported) {
		return c.sourceStatsLegacy(ctx, since, limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, shapeSourceStats(row))
	}
	return out, nil
}

func (c *Collector) sourceStatsLegacy(ctx context.Context, since time.Time, limit int) ([]map[string]any, error) {
	docs, err := c.store.Collection(db.ColPipelineMetrics).Find(ctx,
		db.Document{"started_at": db.Document{"$gte": since}}, nil)
	if err != nil {
		return nil, err
	}

	type acc struct {
		runs, success, failed, records, errs int
		execSum, qualitySum                  float64
		qualityCount                         int
		lastRun                              time.Time
	}
	groups := map[string]*acc{}
	for _, doc := range docs {
		sid := fmt.Sprint(doc["source_id"])
		g, ok := groups[sid]
		if !ok {
			g = &acc{}
			groups[sid] = g
		}
		g.runs++
		switch fmt.Sprint(doc["status"]) {
		case RunSuccess:
			g.success++
		case RunFailed:
			g.failed++
		}
		g.records += intVal(doc["records_loaded"])
		g.errs += intVal(doc["error_count"])
		g.execSum += floatVal(doc["execution_time_ms"])
		if q, ok := doc["quality_score"]; ok && q != nil {
			g.qualitySum += floatVal(q)
			g.qualityCount++
		}
		if t, ok := doc["started_at"].(time.Time); ok && t.After(g.lastRun) {
			g.lastRun = t
		}
	}

	rows := make([]db.Document, 0, len(groups))
	for sid, g := range groups {
		var avgQuality any
		if g.qualityCount > 0 {
			avgQuality = g.qualitySum / float64(g.qualityCount)
		}
		rows = append(rows, db.Document{
			"_id":                sid,
			"total_runs":         g.runs,
			"success_count":      g.success,
			"failed_count":       g.failed,
			"total_records":      g.records,
			"total_errors":       g.errs,
			"avg_execution_time": g.execSum / float64(g.runs),
			"avg_quality_score":  avgQuality,
			"last_run":           g.lastRun,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return intVal(rows[i]["total_runs"]) > intVal(rows[j]["total_runs"])
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, shapeSourceStats(row))
	}
	return out, nil
}

func shapeSourceStats(row db.Document) map[string]any {
	runs := intVal(row["total_runs"])
	successRate := 0.0
	if runs > 0 {
		successRate = float64(intVal(row["success_count"])) / float64(runs) * 100
	}
	lastRun := ""
	if t, ok := row["last_run"].(time.Time); ok {
		lastRun = t.Format(time.RFC3339)
	}
	return map[string]any{
		"source_id":             row["_id"],
		"total_runs":            runs,
		"success_count":         intVal(row["success_count"]),
		"failed_count":          intVal(row["failed_count"]),
		"success_rate":          successRate,
		"total_records":         intVal(row["total_records"]),
		"total_errors":          intVal(row["total_errors"]),
		"avg_execution_time_ms": floatVal(row["avg_execution_time"]),
		"avg_quality_score":     floatVal(row["avg_quality_score"]),
		"last_run":              lastRun,
	}
}

// CategoryStats groups the window per category.
func (c *Collector) CategoryStats(ctx context.Context, hours int) ([]map[string]any, error) {
	since := c.clock().Add(-time.Duration(hours) * time.Hour)

	rows, err := c.store.Collection(db.ColPipelineMetrics).Aggregate(ctx, []db.Document{
		{"$match": db.Document{
			"started_at": db.Document{"$gte": since},
			"category":   db.Document{"$ne": nil},
		}},
		{"$group": db.Document{
			"_id":               "$category",
			"total_runs":        db.Document{"$sum": 1},
			"success_count":     db.Document{"$sum": db.Document{"$cond": []any{db.Document{"$eq": []any{"$status", RunSuccess}}, 1, 0}}},
			"total_records":     db.Document{"$sum": "$records_loaded"},
			"total_errors":      db.Document{"$sum": "$error_count"},
			"avg_quality_score": db.Document{"$avg": "$quality_score"},
		}},
		{"$sort": db.Document{"total_runs": -1}},
	})
	if errors.Is(err, db.ErrAggregationUnsupported) {
		return c.categoryStatsLegacy(ctx, since)
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		runs := intVal(row["total_runs"])
		successRate := 0.0
		if runs > 0 {
			successRate = float64(intVal(row["success_count"])) / float64(runs) * 100
		}
		out = append(out, map[string]any{
			"category":          row["_id"],
			"total_runs":        runs,
			"success_rate":      successRate,
			"total_records":     intVal(row["total_records"]),
			"total_errors":      intVal(row["total_errors"]),
			"avg_quality_score": floatVal(row["avg_quality_score"]),
		})
	}
	return out, nil
}

func (c *Collector) categoryStatsLegacy(ctx context.Context, since time.Time) ([]map[string]any, error) {
	docs, err := c.store.Collection(db.ColPipelineMetrics).Find(ctx,
		db.Document{"started_at": db.Document{"$gte": since}, "category": db.Document{"$exists": true}}, nil)
	if err != nil {
		return nil, err
	}

	type acc struct {
		runs, success, records, errs int
		qualitySum                   float64
		qualityCount                 int
	}
	groups := map[string]*acc{}
	for _, doc := range docs {
		category := fmt.Sprint(doc["category"])
		if category == "" || category == "<nil>" {
			continue
		}
		g, ok := groups[category]
		if !ok {
			g = &acc{}
			groups[category] = g
		}
		g.runs++
		if fmt.Sprint(doc["status"]) == RunSuccess {
			g.success++
		}
		g.records += intVal(doc["records_loaded"])
		g.errs += intVal(doc["error_count"])
		if q, ok := doc["quality_score"]; ok && q != nil {
			g.qualitySum += floatVal(q)
			g.qualityCount++
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return groups[keys[i]].runs > groups[keys[j]].runs })

	out := make([]map[string]any, 0, len(keys))
	for _, category := range keys {
		g := groups[category]
		avgQuality := 0.0
		if g.qualityCount > 0 {
			avgQuality = g.qualitySum / float64(g.qualityCount)
		}
		out = append(out, map[string]any{
			"category":          category,
			"total_runs":        g.runs,
			"success_rate":      float64(g.success) / float64(g.runs) * 100,
			"total_records":     g.records,
			"total_errors":      g.errs,
			"avg_quality_score": avgQuality,
		})
	}
	return out, nil
}

// ErrorDistribution un-nests error_types over the window and sums per
// type, top 20.
func (c *Collector) ErrorDistribution(ctx context.Context, sourceID string, hours int) ([]map[string]any, error) {
	since := c.clock().Add(-time.Duration(hours) * time.Hour)
	match := db.Document{
		"started_at":  db.Document{"$gte": since},
		"error_count": db.Document{"$gt": 0},
	}
	if sourceID != "" {
		match["source_id"] = sourceID
	}

	rows, err := c.store.Collection(db.ColPipelineMetrics).Aggregate(ctx, []db.Document{
		{"$match": match},
		{"$project": db.Document{"error_types": db.Document{"$objectToArray": "$error_types"}}},
		{"$unwind": "$error_types"},
		{"$group": db.Document{
			"_id":   "$error_types.k",
			"count": db.Document{"$sum": "$error_types.v"},
		}},
		{"$sort": db.Document{"count": -1}},
		{"$limit": 20},
	})
	if errors.Is(err, db.ErrAggregationUnsupported) {
		return c.errorDistributionLegacy(ctx, match)
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"error_type": row["_id"], "count": intVal(row["count"])})
	}
	return out, nil
}

func (c *Collector) errorDistributionLegacy(ctx context.Context, match db.Document) ([]map[string]any, error) {
	docs, err := c.store.Collection(db.ColPipelineMetrics).Find(ctx, match, nil)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, doc := range docs {
		errorTypes, ok := doc["error_types"].(db.Document)
		if !ok {
			continue
		}
		for errorType, count := range errorTypes {
			counts[errorType] += intVal(count)
		}
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })
	if len(keys) > 20 {
		keys = keys[:20]
	}

	out := make([]map[string]any, 0, len(keys))
	for _, errorType := range keys {
		out = append(out, map[string]any{"error_type": errorType, "count": counts[errorType]})
	}
	return out, nil
}

// HourlyTrend buckets the window's runs by hour.
func (c *Collector) HourlyTrend(ctx context.Context, sourceID string, hours int) ([]map[string]any, error) {
	since := c.clock().Add(-time.Duration(hours) * time.Hour)
	match := db.Document{"started_at": db.Document{"$gte": since}}
	if sourceID != "" {
		match["source_id"] = sourceID
	}

	rows, err := c.store.Collection(db.ColPipelineMetrics).Aggregate(ctx, []db.Document{
		{"$match": match},
		{"$group": db.Document{
			"_id": db.Document{"$dateToString": db.Document{
				"format": "%Y-%m-%dT%H:00:00Z",
				"date":   "$started_at",
			}},
			"runs":               db.Document{"$sum": 1},
			"success":            db.Document{"$sum": db.Document{"$cond": []any{db.Document{"$eq": []any{"$status", RunSuccess}}, 1, 0}}},
			"records":            db.Document{"$sum": "$records_loaded"},
			"errors":             db.Document{"$sum": "$error_count"},
			"avg_execution_time": db.Document{"$avg": "$execution_time_ms"},
		}},
		{"$sort": db.Document{"_id": 1}},
	})
	if errors.Is(err, db.ErrAggregationUnsupported) {
		return c.hourlyTrendLegacy(ctx, match)
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, shapeHourlyBucket(row))
	}
	return out, nil
}

func (c *Collector) hourlyTrendLegacy(ctx context.Context, match db.Document) ([]map[string]any, error) {
	docs, err := c.store.Collection(db.ColPipelineMetrics).Find(ctx, match, nil)
	if err != nil {
		return nil, err
	}

	type acc struct {
		runs, success, records, errs int
		execSum                      float64
	}
	groups := map[string]*acc{}
	for _, doc := range docs {
		started, ok := doc["started_at"].(time.Time)
		if !ok {
			continue
		}
		bucket := started.UTC().Truncate(time.Hour).Format("2006-01-02T15:00:00Z")
		g, ok := groups[bucket]
		if !ok {
			g = &acc{}
			groups[bucket] = g
		}
		g.runs++
		if fmt.Sprint(doc["status"]) == RunSuccess {
			g.success++
		}
		g.records += intVal(doc["records_loaded"])
		g.errs += intVal(doc["error_count"])
		g.execSum += floatVal(doc["execution_time_ms"])
	}

	buckets := make([]string, 0, len(groups))
	for bucket := range groups {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)

	out := make([]map[string]any, 0, len(buckets))
	for _, bucket := range buckets {
		g := groups[bucket]
		out = append(out, shapeHourlyBucket(db.Document{
			"_id":                bucket,
			"runs":               g.runs,
			"success":            g.success,
			"records":            g.records,
			"errors":             g.errs,
			"avg_execution_time": g.execSum / float64(g.runs),
		}))
	}
	return out, nil
}

func shapeHourlyBucket(row db.Document) map[string]any {
	runs := intVal(row["runs"])
	successRate := 0.0
	if runs > 0 {
		successRate = float64(intVal(row["success"])) / float64(runs) * 100
	}
	return map[string]any{
		"hour":                  row["_id"],
		"runs":                  runs,
		"success":               intVal(row["success"]),
		"records":               intVal(row["records"]),
		"errors":                intVal(row["errors"]),
		"success_rate":          successRate,
		"avg_execution_time_ms": floatVal(row["avg_execution_time"]),
	}
}

// PendingReviewCount counts reviews awaiting human verification.
func (c *Collector) PendingReviewCount(ctx context.Context) (int64, error) {
	return c.store.Collection(db.ColDataReviews).Count(ctx, db.Document{"review_status": "pending"})
}

func intVal(v any) int {
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

func floatVal(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
