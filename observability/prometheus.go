package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atlas.crawlops.org/common"
)

// Prometheus exposition of collector and alert-engine internals. The
// gauges/counters here mirror what the dashboards read from the store so
// operators can scrape the same signals.

var (
	runningRunsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crawlplane_pipeline_running_runs",
		Help: "Pipeline runs currently open in the collector.",
	})

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlplane_pipeline_runs_total",
		Help: "Completed pipeline runs by status.",
	}, []string{"status"})

	recordsLoadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlplane_pipeline_records_loaded_total",
		Help: "Records loaded by completed pipeline runs.",
	}, []string{"source_id"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlplane_pipeline_run_duration_seconds",
		Help:    "Execution time of completed pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	alertsTriggeredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlplane_alerts_triggered_total",
		Help: "Alert rule triggers by severity.",
	}, []string{"severity"})

	slaBreachesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlplane_sla_breaches_total",
		Help: "SLA evaluations ending non-compliant, by type and status.",
	}, []string{"sla_type", "status"})

	freshnessStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawlplane_source_freshness_state",
		Help: "Freshness state per source (0=fresh, 1=stale, 2=critical, 3=unknown).",
	}, []string{"source_id"})
)

func init() {
	prometheus.MustRegister(
		runningRunsGauge,
		runsTotal,
		recordsLoadedTotal,
		runDuration,
		alertsTriggeredTotal,
		slaBreachesTotal,
		freshnessStateGauge,
	)
}

func observeRun(metric *PipelineMetric) {
	runsTotal.WithLabelValues(metric.Status).Inc()
	recordsLoadedTotal.WithLabelValues(metric.SourceID).Add(float64(metric.RecordsLoaded))
	runDuration.Observe(float64(metric.ExecutionTimeMs) / 1000)
}

func observeFreshness(sourceID string, status FreshnessStatus) {
	value := 3.0
	switch status {
	case FreshnessFresh:
		value = 0
	case FreshnessStale:
		value = 1
	case FreshnessCritical:
		value = 2
	}
	freshnessStateGauge.WithLabelValues(sourceID).Set(value)
}

// ServeMetrics exposes the Prometheus endpoint on addr until the server
// fails. Intended to run in its own goroutine.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	common.Logger.WithField("addr", addr).Info("serving Prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		common.Logger.Errorf("metrics server stopped: %v", err)
	}
}
