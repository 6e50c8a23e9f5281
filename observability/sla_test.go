package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/db"
	"atlas.crawlops.org/notification"
)

func seedMetric(t *testing.T, store db.Database, clock *tickClock, sourceID, status string, loaded, errs int, age time.Duration) {
	t.Helper()
	started := clock.Now().Add(-age)
	completed := started.Add(time.Minute)
	_, err := store.Collection(db.ColPipelineMetrics).InsertOne(context.Background(), db.Document{
		"source_id":         sourceID,
		"status":            status,
		"records_loaded":    loaded,
		"error_count":       errs,
		"execution_time_ms": 60000,
		"started_at":        started,
		"completed_at":      completed,
	})
	require.NoError(t, err)
}

// TestSLAMonitor_DetermineStatus covers both threshold directions.
func TestSLAMonitor_DetermineStatus(t *testing.T) {
	m := NewSLAMonitor(db.NewMemoryDatabase("test"), nil)

	higherBetter := &SLADefinition{Type: SLASuccessRate, TargetValue: 99, WarningThreshold: 95, CriticalThreshold: 90}
	assert.Equal(t, SLACompliant, m.determineStatus(higherBetter, 99.5))
	assert.Equal(t, SLAAtRisk, m.determineStatus(higherBetter, 96))
	assert.Equal(t, SLABreached, m.determineStatus(higherBetter, 92))
	assert.Equal(t, SLABreached, m.determineStatus(higherBetter, 50))

	lowerBetter := &SLADefinition{Type: SLALatency, TargetValue: 1000, WarningThreshold: 5000}
	assert.Equal(t, SLACompliant, m.determineStatus(lowerBetter, 800))
	assert.Equal(t, SLAAtRisk, m.determineStatus(lowerBetter, 3000))
	assert.Equal(t, SLABreached, m.determineStatus(lowerBetter, 9000))
}

// TestSLAMonitor_EvaluateSuccessRate stores the evaluation and records a
// breach with a critical notification.
func TestSLAMonitor_EvaluateSuccessRate(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	notifier := &countingNotifier{}
	clock := newTickClock()
	monitor := NewSLAMonitor(store, notifier).WithClock(clock.Now)

	// 1 success out of 4 runs = 25%.
	seedMetric(t, store, clock, "src1", RunSuccess, 100, 0, time.Hour)
	seedMetric(t, store, clock, "src1", RunFailed, 0, 1, 2*time.Hour)
	seedMetric(t, store, clock, "src1", RunFailed, 0, 1, 3*time.Hour)
	seedMetric(t, store, clock, "src1", RunFailed, 0, 1, 4*time.Hour)

	id, err := monitor.CreateSLA(ctx, &SLADefinition{
		Name:              "src1 success",
		SourceID:          "src1",
		Type:              SLASuccessRate,
		TargetValue:       99,
		WarningThreshold:  95,
		CriticalThreshold: 90,
		WindowHours:       24,
		Enabled:           true,
	})
	require.NoError(t, err)

	sla, err := monitor.GetSLA(ctx, id)
	require.NoError(t, err)

	breach, err := monitor.Evaluate(ctx, sla)
	require.NoError(t, err)
	require.NotNil(t, breach)
	assert.Equal(t, SLABreached, breach.Status)
	assert.InDelta(t, 25.0, breach.ActualValue, 1e-9)

	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, notification.SeverityCritical, notifier.last().Severity)

	evaluations, err := store.Collection(db.ColSLAEvaluations).Count(ctx, db.Document{"sla_id": id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), evaluations)

	breaches, err := monitor.RecentBreaches(ctx, 10, true)
	require.NoError(t, err)
	assert.Len(t, breaches, 1)
}

// TestSLAMonitor_CompliantStoresNoBreach still appends the evaluation.
func TestSLAMonitor_CompliantStoresNoBreach(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	notifier := &countingNotifier{}
	clock := newTickClock()
	monitor := NewSLAMonitor(store, notifier).WithClock(clock.Now)

	seedMetric(t, store, clock, "src1", RunSuccess, 100, 0, time.Hour)

	id, err := monitor.CreateSLA(ctx, &SLADefinition{
		Name:             "src1 success",
		SourceID:         "src1",
		Type:             SLASuccessRate,
		TargetValue:      99,
		WarningThreshold: 95,
		WindowHours:      24,
		Enabled:          true,
	})
	require.NoError(t, err)
	sla, _ := monitor.GetSLA(ctx, id)

	breach, err := monitor.Evaluate(ctx, sla)
	require.NoError(t, err)
	assert.Nil(t, breach)
	assert.Zero(t, notifier.count())

	evaluations, _ := store.Collection(db.ColSLAEvaluations).Count(ctx, db.Document{})
	assert.Equal(t, int64(1), evaluations)
}

// TestSLAMonitor_ValueCalculations checks the per-type formulas on an
// empty and a seeded window.
func TestSLAMonitor_ValueCalculations(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	clock := newTickClock()
	monitor := NewSLAMonitor(store, nil).WithClock(clock.Now)

	// Empty windows: availability assumes healthy, error rate zero.
	value, known, err := monitor.calculateValue(ctx, &SLADefinition{Type: SLAAvailability, WindowHours: 24})
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, 100.0, value)

	value, _, err = monitor.calculateValue(ctx, &SLADefinition{Type: SLAErrorRate, WindowHours: 24})
	require.NoError(t, err)
	assert.Zero(t, value)

	seedMetric(t, store, clock, "src1", RunSuccess, 90, 9, time.Hour)
	seedMetric(t, store, clock, "src1", RunPartial, 10, 1, 2*time.Hour)
	seedMetric(t, store, clock, "src1", RunFailed, 0, 0, 3*time.Hour)

	value, _, err = monitor.calculateValue(ctx, &SLADefinition{Type: SLAAvailability, SourceID: "src1", WindowHours: 24})
	require.NoError(t, err)
	assert.InDelta(t, 66.666, value, 0.01, "success plus partial over total")

	value, _, err = monitor.calculateValue(ctx, &SLADefinition{Type: SLAErrorRate, SourceID: "src1", WindowHours: 24})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, value, 1e-9, "10 errors per 100 loaded records")

	value, _, err = monitor.calculateValue(ctx, &SLADefinition{Type: SLAThroughput, SourceID: "src1", WindowHours: 10})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, value, 1e-9, "100 records over 10 hours")

	value, _, err = monitor.calculateValue(ctx, &SLADefinition{Type: SLALatency, SourceID: "src1", WindowHours: 24})
	require.NoError(t, err)
	assert.InDelta(t, 60000.0, value, 1e-9)

	// Freshness: age of the most recent successful run.
	value, _, err = monitor.calculateValue(ctx, &SLADefinition{Type: SLAFreshness, SourceID: "src1", WindowHours: 24})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, value, 0.05)
}

// TestSLAMonitor_EvaluateAll walks every enabled definition.
func TestSLAMonitor_EvaluateAll(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	clock := newTickClock()
	monitor := NewSLAMonitor(store, &countingNotifier{}).WithClock(clock.Now)

	seedMetric(t, store, clock, "src1", RunFailed, 0, 1, time.Hour)

	_, err := monitor.CreateSLA(ctx, &SLADefinition{
		Name: "breached", SourceID: "src1", Type: SLASuccessRate,
		TargetValue: 99, WarningThreshold: 95, WindowHours: 24, Enabled: true,
	})
	require.NoError(t, err)
	_, err = monitor.CreateSLA(ctx, &SLADefinition{
		Name: "disabled", SourceID: "src1", Type: SLASuccessRate,
		TargetValue: 99, WindowHours: 24, Enabled: false,
	})
	require.NoError(t, err)

	breaches, err := monitor.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Len(t, breaches, 1, "disabled definitions are skipped")
}

// TestSLAMonitor_BreachWorkflow acknowledges and resolves breaches.
func TestSLAMonitor_BreachWorkflow(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	clock := newTickClock()
	monitor := NewSLAMonitor(store, &countingNotifier{}).WithClock(clock.Now)

	seedMetric(t, store, clock, "src1", RunFailed, 0, 1, time.Hour)
	id, err := monitor.CreateSLA(ctx, &SLADefinition{
		Name: "s", SourceID: "src1", Type: SLASuccessRate,
		TargetValue: 99, WarningThreshold: 95, WindowHours: 24, Enabled: true,
	})
	require.NoError(t, err)
	sla, _ := monitor.GetSLA(ctx, id)

	breach, err := monitor.Evaluate(ctx, sla)
	require.NoError(t, err)
	require.NotNil(t, breach)

	ok, err := monitor.AcknowledgeBreach(ctx, breach.ID, "op-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = monitor.ResolveBreach(ctx, breach.ID, "crawler fixed")
	require.NoError(t, err)
	assert.True(t, ok)

	open, err := monitor.RecentBreaches(ctx, 10, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	summary, err := monitor.ComplianceSummary(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, summary["breached"])
}
