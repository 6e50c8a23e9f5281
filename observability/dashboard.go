package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"atlas.crawlops.org/db"
)

// Dashboard assembles the executive monitoring summary. Its health score
// is the authoritative one for monitoring; the simpler score on
// db.StoreService.GetDashboardStats is kept for backward compatibility.
type Dashboard struct {
	store     db.Database
	collector *Collector
	freshness *FreshnessTracker
	alerts    *AlertEngine
	clock     func() time.Time
}

// NewDashboard wires the dashboard over the observability services.
func NewDashboard(store db.Database, collector *Collector, freshness *FreshnessTracker, alerts *AlertEngine) *Dashboard {
	return &Dashboard{
		store:     store,
		collector: collector,
		freshness: freshness,
		alerts:    alerts,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a time source for tests.
func (d *Dashboard) WithClock(clock func() time.Time) *Dashboard {
	d.clock = clock
	return d
}

// ExecutiveSummary composes the top-level monitoring view.
func (d *Dashboard) ExecutiveSummary(ctx context.Context) (map[string]any, error) {
	stats, err := d.collector.AggregateStats(ctx, "", 24)
	if err != nil {
		return nil, err
	}

	pendingReviews, err := d.collector.PendingReviewCount(ctx)
	if err != nil {
		return nil, err
	}

	activeAlerts, err := d.alerts.ActiveAlertCounts(ctx)
	if err != nil {
		return nil, err
	}

	freshnessSummary, err := d.freshness.Summary(ctx)
	if err != nil {
		return nil, err
	}

	score, componentHealth := d.healthScore(stats, activeAlerts, freshnessSummary)

	status := "critical"
	switch {
	case score >= 80:
		status = "healthy"
	case score >= 50:
		status = "degraded"
	}

	totals, _ := stats["totals"].(map[string]any)
	records := intVal(totals["records"])

	return map[string]any{
		"generated_at":     d.clock().Format(time.RFC3339),
		"health_score":     score,
		"health_status":    status,
		"component_health": componentHealth,
		"pipeline":         stats,
		"records_24h":      records,
		"records_24h_text": humanize.Comma(int64(records)),
		"pending_reviews":  pendingReviews,
		"active_alerts":    activeAlerts,
		"freshness":        freshnessSummary,
	}, nil
}

// healthScore averages per-component health: pipeline success rate,
// alert pressure, and freshness coverage.
func (d *Dashboard) healthScore(stats map[string]any, activeAlerts map[string]int64, freshnessSummary map[string]any) (int, map[string]string) {
	components := map[string]string{}

	// Pipeline component from the 24h success rate.
	pipelineHealth := "healthy"
	if totals, ok := stats["totals"].(map[string]any); ok {
		if runs := intVal(totals["runs"]); runs > 0 {
			successRate := floatVal(totals["success_rate"])
			switch {
			case successRate < 50:
				pipelineHealth = "critical"
			case successRate < 80:
				pipelineHealth = "degraded"
			}
		}
	}
	components["pipeline"] = pipelineHealth

	// Alerting component from unresolved critical/error alerts.
	alertHealth := "healthy"
	switch {
	case activeAlerts["critical"] > 0:
		alertHealth = "critical"
	case activeAlerts["error"] > 2:
		alertHealth = "degraded"
	}
	components["alerts"] = alertHealth

	// Freshness component from the stale/critical share.
	freshnessHealth := "healthy"
	total := intVal(freshnessSummary["total_sources"])
	if total > 0 {
		critical := intVal(freshnessSummary["critical"])
		stale := intVal(freshnessSummary["stale"])
		switch {
		case critical > 0:
			freshnessHealth = "critical"
		case stale*2 > total:
			freshnessHealth = "degraded"
		}
	}
	components["freshness"] = freshnessHealth

	scores := map[string]int{"healthy": 100, "degraded": 60, "critical": 20}
	sum := 0
	for _, health := range components {
		if s, ok := scores[health]; ok {
			sum += s
		} else {
			sum += 50
		}
	}
	return sum / len(components), components
}

// SourcePerformance ranks sources over the window with a per-source
// composite score.
func (d *Dashboard) SourcePerformance(ctx context.Context, hours, limit int) ([]map[string]any, error) {
	stats, err := d.collector.SourceStats(ctx, hours, limit)
	if err != nil {
		return nil, err
	}
	for _, row := range stats {
		row["score"] = sourceScore(row)
	}
	return stats, nil
}

// sourceScore combines success rate, error pressure, and quality.
func sourceScore(stats map[string]any) float64 {
	score := floatVal(stats["success_rate"])

	records := intVal(stats["total_records"])
	if records > 0 {
		errorRate := float64(intVal(stats["total_errors"])) / float64(records) * 100
		if errorRate > 10 {
			score -= 20
		} else if errorRate > 5 {
			score -= 10
		}
	}

	if quality := floatVal(stats["avg_quality_score"]); quality > 0 {
		score = score*0.7 + quality*0.3
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// ErrorAnalytics summarizes error distribution and the worst sources.
func (d *Dashboard) ErrorAnalytics(ctx context.Context, hours int) (map[string]any, error) {
	distribution, err := d.collector.ErrorDistribution(ctx, "", hours)
	if err != nil {
		return nil, err
	}

	sources, err := d.collector.SourceStats(ctx, hours, 50)
	if err != nil {
		return nil, err
	}

	var topErrorSources []map[string]any
	for _, row := range sources {
		if intVal(row["total_errors"]) > 0 {
			topErrorSources = append(topErrorSources, map[string]any{
				"source_id":    row["source_id"],
				"total_errors": row["total_errors"],
				"total_runs":   row["total_runs"],
			})
		}
		if len(topErrorSources) == 10 {
			break
		}
	}

	return map[string]any{
		"period_hours":      hours,
		"distribution":      distribution,
		"top_error_sources": topErrorSources,
	}, nil
}

// ExecutionTimeline is the hourly run trend for the window.
func (d *Dashboard) ExecutionTimeline(ctx context.Context, sourceID string, hours int) ([]map[string]any, error) {
	return d.collector.HourlyTrend(ctx, sourceID, hours)
}

// FullDashboard combines every panel for one round-trip consumers.
func (d *Dashboard) FullDashboard(ctx context.Context) (map[string]any, error) {
	summary, err := d.ExecutiveSummary(ctx)
	if err != nil {
		return nil, err
	}
	performance, err := d.SourcePerformance(ctx, 24, 10)
	if err != nil {
		return nil, err
	}
	errorAnalytics, err := d.ErrorAnalytics(ctx, 24)
	if err != nil {
		return nil, err
	}
	timeline, err := d.ExecutionTimeline(ctx, "", 24)
	if err != nil {
		return nil, err
	}
	categories, err := d.collector.CategoryStats(ctx, 24)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"summary":            summary,
		"source_performance": performance,
		"error_analytics":    errorAnalytics,
		"execution_timeline": timeline,
		"category_stats":     categories,
	}, nil
}

// SourceDashboard is the per-source drill-down view.
func (d *Dashboard) SourceDashboard(ctx context.Context, sourceID string, hours int) (map[string]any, error) {
	stats, err := d.collector.AggregateStats(ctx, sourceID, hours)
	if err != nil {
		return nil, err
	}
	trend, err := d.collector.HourlyTrend(ctx, sourceID, hours)
	if err != nil {
		return nil, err
	}
	errs, err := d.collector.ErrorDistribution(ctx, sourceID, hours)
	if err != nil {
		return nil, err
	}
	freshness, err := d.freshness.Check(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	history, err := d.alerts.AlertHistory(ctx, sourceID, 20)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"source_id":     sourceID,
		"period_hours":  hours,
		"stats":         stats,
		"hourly_trend":  trend,
		"errors":        errs,
		"freshness":     freshness,
		"recent_alerts": fmt.Sprintf("%d", len(history)),
		"alert_history": history,
	}, nil
}
