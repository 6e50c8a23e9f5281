package db

import (
	"context"
	"errors"
	"time"
)

// DashboardStats is the counter set backing the main dashboard.
type DashboardStats struct {
	Sources struct {
		Total    int64 `json:"total"`
		Active   int64 `json:"active"`
		Pending  int64 `json:"pending"`
		Inactive int64 `json:"inactive"`
		Error    int64 `json:"error"`
	} `json:"sources"`
	Crawlers struct {
		Total  int64 `json:"total"`
		Active int64 `json:"active"`
	} `json:"crawlers"`
	Executions struct {
		Total24h   int64 `json:"total_24h"`
		Success24h int64 `json:"success_24h"`
		Failed24h  int64 `json:"failed_24h"`
	} `json:"executions"`
	Errors struct {
		Unresolved int64 `json:"unresolved"`
	} `json:"errors"`
	HealthScore int    `json:"health_score"`
	Status      string `json:"status"`
}

// GetDashboardStats computes the dashboard counters. The optimized path
// uses $facet to keep the aggregation round-trips at three, plus one
// count of unresolved errors; engines without
// aggregation fall back to the legacy per-counter path with identical
// semantics.
func (s *StoreService) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	stats, err := s.dashboardStatsFacet(ctx)
	if errors.Is(err, ErrAggregationUnsupported) {
		stats, err = s.dashboardStatsLegacy(ctx)
	}
	if err != nil {
		return nil, err
	}
	stats.HealthScore, stats.Status = legacyHealthScore(stats)
	return stats, nil
}

func (s *StoreService) dashboardStatsFacet(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{}

	sourceRows, err := s.db.Collection(ColSources).Aggregate(ctx, []Document{
		{"$facet": Document{
			"by_status": []Document{
				{"$group": Document{"_id": "$status", "count": Document{"$sum": 1}}},
			},
			"total": []Document{
				{"$count": "count"},
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	if len(sourceRows) > 0 {
		facet := sourceRows[0]
		for _, row := range anySlice(facet["by_status"]) {
			doc, _ := row.(Document)
			count := int64(asInt(doc["count"]))
			switch asString(doc["_id"]) {
			case string(SourceActive):
				stats.Sources.Active = count
			case string(SourcePending):
				stats.Sources.Pending = count
			case string(SourceInactive):
				stats.Sources.Inactive = count
			case string(SourceError):
				stats.Sources.Error = count
			}
		}
		if totals := anySlice(facet["total"]); len(totals) > 0 {
			doc, _ := totals[0].(Document)
			stats.Sources.Total = int64(asInt(doc["count"]))
		}
	}

	crawlerRows, err := s.db.Collection(ColCrawlers).Aggregate(ctx, []Document{
		{"$group": Document{"_id": "$status", "count": Document{"$sum": 1}}},
	})
	if err != nil {
		return nil, err
	}
	for _, row := range crawlerRows {
		count := int64(asInt(row["count"]))
		stats.Crawlers.Total += count
		if asString(row["_id"]) == string(CrawlerActive) {
			stats.Crawlers.Active = count
		}
	}

	since := s.clock().Add(-24 * time.Hour)
	execRows, err := s.db.Collection(ColCrawlResults).Aggregate(ctx, []Document{
		{"$match": Document{"executed_at": Document{"$gte": since}}},
		{"$group": Document{"_id": "$status", "count": Document{"$sum": 1}}},
	})
	if err != nil {
		return nil, err
	}
	for _, row := range execRows {
		count := int64(asInt(row["count"]))
		stats.Executions.Total24h += count
		switch asString(row["_id"]) {
		case "success":
			stats.Executions.Success24h = count
		case "failed":
			stats.Executions.Failed24h = count
		}
	}

	unresolved, err := s.db.Collection(ColErrorLogs).Count(ctx, Document{"resolved": false})
	if err != nil {
		return nil, err
	}
	stats.Errors.Unresolved = unresolved

	return stats, nil
}

// dashboardStatsLegacy is the N-count fallback.
func (s *StoreService) dashboardStatsLegacy(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{}
	sources := s.db.Collection(ColSources)

	var err error
	if stats.Sources.Total, err = sources.Count(ctx, Document{}); err != nil {
		return nil, err
	}
	statusCounts := map[SourceStatus]*int64{
		SourceActive:   &stats.Sources.Active,
		SourcePending:  &stats.Sources.Pending,
		SourceInactive: &stats.Sources.Inactive,
		SourceError:    &stats.Sources.Error,
	}
	for status, target := range statusCounts {
		if *target, err = sources.Count(ctx, Document{"status": string(status)}); err != nil {
			return nil, err
		}
	}

	crawlers := s.db.Collection(ColCrawlers)
	if stats.Crawlers.Total, err = crawlers.Count(ctx, Document{}); err != nil {
		return nil, err
	}
	if stats.Crawlers.Active, err = crawlers.Count(ctx, Document{"status": string(CrawlerActive)}); err != nil {
		return nil, err
	}

	since := s.clock().Add(-24 * time.Hour)
	results := s.db.Collection(ColCrawlResults)
	window := Document{"executed_at": Document{"$gte": since}}
	if stats.Executions.Total24h, err = results.Count(ctx, window); err != nil {
		return nil, err
	}
	if stats.Executions.Success24h, err = results.Count(ctx, Document{
		"executed_at": Document{"$gte": since}, "status": "success",
	}); err != nil {
		return nil, err
	}
	if stats.Executions.Failed24h, err = results.Count(ctx, Document{
		"executed_at": Document{"$gte": since}, "status": "failed",
	}); err != nil {
		return nil, err
	}

	if stats.Errors.Unresolved, err = s.db.Collection(ColErrorLogs).Count(ctx, Document{"resolved": false}); err != nil {
		return nil, err
	}

	return stats, nil
}

// legacyHealthScore is the backward-compatible dashboard formula. The
// observability dashboard owns the authoritative monitoring score.
func legacyHealthScore(stats *DashboardStats) (int, string) {
	score := 100

	if stats.Executions.Total24h > 0 {
		successRate := float64(stats.Executions.Success24h) / float64(stats.Executions.Total24h) * 100
		if successRate < 50 {
			score -= 30
		} else if successRate < 80 {
			score -= 10
		}
	}

	switch {
	case stats.Errors.Unresolved > 50:
		score -= 20
	case stats.Errors.Unresolved > 20:
		score -= 10
	}

	errored := stats.Sources.Error
	if errored > 3 {
		errored = 3
	}
	score -= 10 * int(errored)

	if score < 0 {
		score = 0
	}

	status := "critical"
	switch {
	case score >= 80:
		status = "healthy"
	case score >= 50:
		status = "degraded"
	}
	return score, status
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}
