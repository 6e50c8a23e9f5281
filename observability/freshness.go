package observability

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
	"atlas.crawlops.org/notification"
)

// FreshnessStatus classifies how recently a source produced data.
type FreshnessStatus string

const (
	FreshnessFresh    FreshnessStatus = "fresh"
	FreshnessStale    FreshnessStatus = "stale"
	FreshnessCritical FreshnessStatus = "critical"
	FreshnessUnknown  FreshnessStatus = "unknown"
	FreshnessDisabled FreshnessStatus = "disabled"
)

// FreshnessConfig is the per-source freshness requirement.
type FreshnessConfig struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name,omitempty"`

	ExpectedFrequencyHours float64 `json:"expected_frequency_hours"`
	WarningThresholdHours  float64 `json:"warning_threshold_hours"`
	CriticalThresholdHours float64 `json:"critical_threshold_hours"`

	ScheduleCron      string `json:"schedule_cron,omitempty"`
	BusinessHoursOnly bool   `json:"business_hours_only"`
	Timezone          string `json:"timezone,omitempty"`

	AlertOnStale       bool    `json:"alert_on_stale"`
	AlertOnCritical    bool    `json:"alert_on_critical"`
	AlertCooldownHours float64 `json:"alert_cooldown_hours"`

	Enabled     bool       `json:"enabled"`
	LastAlertAt *time.Time `json:"last_alert_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// defaultFreshnessConfig applies when a source has no stored config.
func defaultFreshnessConfig(sourceID string) *FreshnessConfig {
	return &FreshnessConfig{
		SourceID:               sourceID,
		ExpectedFrequencyHours: 24,
		WarningThresholdHours:  36,
		CriticalThresholdHours: 48,
		AlertOnStale:           true,
		AlertOnCritical:        true,
		AlertCooldownHours:     4,
		Enabled:                true,
		Timezone:               "UTC",
	}
}

// FreshnessState is one evaluation snapshot.
type FreshnessState struct {
	SourceID           string          `json:"source_id"`
	SourceName         string          `json:"source_name,omitempty"`
	Status             FreshnessStatus `json:"status"`
	LastSuccessfulRun  *time.Time      `json:"last_successful_run,omitempty"`
	DataAgeHours       float64         `json:"data_age_hours"`
	ExpectedFrequency  float64         `json:"expected_frequency_hours"`
	WarningThreshold   float64         `json:"warning_threshold_hours"`
	CriticalThreshold  float64         `json:"critical_threshold_hours"`
	NextExpectedUpdate *time.Time      `json:"next_expected_update,omitempty"`
	RecordsInLastRun   int             `json:"records_in_last_run"`
	EvaluatedAt        time.Time       `json:"evaluated_at"`
}

// FreshnessTracker evaluates per-source data freshness and alerts on
// staleness.
type FreshnessTracker struct {
	store    db.Database
	notifier notification.Notifier
	clock    func() time.Time
}

// NewFreshnessTracker creates a tracker.
func NewFreshnessTracker(store db.Database, notifier notification.Notifier) *FreshnessTracker {
	if notifier == nil {
		notifier = notification.NopNotifier{}
	}
	return &FreshnessTracker{
		store:    store,
		notifier: notifier,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a time source for tests.
func (t *FreshnessTracker) WithClock(clock func() time.Time) *FreshnessTracker {
	t.clock = clock
	return t
}

// SetConfig upserts the freshness configuration for a source.
func (t *FreshnessTracker) SetConfig(ctx context.Context, config *FreshnessConfig) error {
	doc := configToDoc(config)
	existing, err := t.store.Collection(db.ColFreshnessConfig).FindOne(ctx, db.Document{"source_id": config.SourceID})
	if err != nil {
		return err
	}
	if existing != nil {
		doc["updated_at"] = t.clock()
		_, err = t.store.Collection(db.ColFreshnessConfig).UpdateOne(ctx,
			db.Document{"source_id": config.SourceID}, db.Document{"$set": doc})
		return err
	}
	doc["created_at"] = t.clock()
	_, err = t.store.Collection(db.ColFreshnessConfig).InsertOne(ctx, doc)
	return err
}

// GetConfig loads the stored configuration, or nil when absent.
func (t *FreshnessTracker) GetConfig(ctx context.Context, sourceID string) (*FreshnessConfig, error) {
	doc, err := t.store.Collection(db.ColFreshnessConfig).FindOne(ctx, db.Document{"source_id": sourceID})
	if err != nil || doc == nil {
		return nil, err
	}
	return docToConfig(doc), nil
}

// DeleteConfig removes the stored configuration.
func (t *FreshnessTracker) DeleteConfig(ctx context.Context, sourceID string) (bool, error) {
	n, err := t.store.Collection(db.ColFreshnessConfig).DeleteOne(ctx, db.Document{"source_id": sourceID})
	return n > 0, err
}

// ListConfigs returns stored configurations.
func (t *FreshnessTracker) ListConfigs(ctx context.Context, enabledOnly bool) ([]*FreshnessConfig, error) {
	filter := db.Document{}
	if enabledOnly {
		filter["enabled"] = true
	}
	docs, err := t.store.Collection(db.ColFreshnessConfig).Find(ctx, filter, &db.FindOptions{
		Sort: []db.SortField{{Key: "source_id"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*FreshnessConfig, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToConfig(doc))
	}
	return out, nil
}

// Check evaluates freshness for one source, persists the snapshot, and
// dispatches a staleness alert when eligible.
func (t *FreshnessTracker) Check(ctx context.Context, sourceID string) (*FreshnessState, error) {
	now := t.clock()

	config, err := t.GetConfig(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = defaultFreshnessConfig(sourceID)
	}

	lastRun, err := t.lastSuccessfulRun(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	state := &FreshnessState{
		SourceID:          sourceID,
		SourceName:        config.SourceName,
		ExpectedFrequency: config.ExpectedFrequencyHours,
		WarningThreshold:  config.WarningThresholdHours,
		CriticalThreshold: config.CriticalThresholdHours,
		EvaluatedAt:       now,
	}

	if lastRun == nil {
		state.Status = FreshnessUnknown
		state.DataAgeHours = math.Inf(1)
		if err := t.storeEvaluation(ctx, state); err != nil {
			return nil, err
		}
		observeFreshness(sourceID, state.Status)
		return state, nil
	}

	lastRunTime, _ := lastRun["completed_at"].(time.Time)
	if lastRunTime.IsZero() {
		lastRunTime, _ = lastRun["started_at"].(time.Time)
	}

	age := now.Sub(lastRunTime).Hours()
	state.LastSuccessfulRun = &lastRunTime
	state.DataAgeHours = age
	state.RecordsInLastRun = intVal(lastRun["records_loaded"])
	next := lastRunTime.Add(time.Duration(config.ExpectedFrequencyHours * float64(time.Hour)))
	state.NextExpectedUpdate = &next
	state.Status = freshnessStatus(config, age)

	if err := t.storeEvaluation(ctx, state); err != nil {
		return nil, err
	}
	observeFreshness(sourceID, state.Status)

	if state.Status != FreshnessFresh {
		t.handleStalenessAlert(ctx, config, state)
	}
	return state, nil
}

// CheckAll evaluates every enabled configuration concurrently.
func (t *FreshnessTracker) CheckAll(ctx context.Context) ([]*FreshnessState, error) {
	configs, err := t.ListConfigs(ctx, true)
	if err != nil {
		return nil, err
	}

	states := make([]*FreshnessState, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, config := range configs {
		g.Go(func() error {
			state, err := t.Check(gctx, config.SourceID)
			if err != nil {
				common.Logger.WithField("source_id", config.SourceID).
					Warnf("freshness check failed: %v", err)
				return nil
			}
			states[i] = state
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*FreshnessState
	for _, state := range states {
		if state != nil {
			out = append(out, state)
		}
	}
	return out, nil
}

// AutoConfigure inspects recent successful runs per source and derives
// configs: expected frequency = mean interval, warning at 1.5x, critical
// at 2x. Sources with fewer than two samples are skipped.
func (t *FreshnessTracker) AutoConfigure(ctx context.Context) (int, error) {
	sources, err := t.store.Collection(db.ColSources).Find(ctx, db.Document{}, nil)
	if err != nil {
		return 0, err
	}

	configured := 0
	for _, source := range sources {
		sourceID, ok := source["_id"].(db.IdRef)
		if !ok {
			continue
		}
		sid := sourceID.Hex()

		if existing, err := t.GetConfig(ctx, sid); err != nil {
			return configured, err
		} else if existing != nil {
			continue
		}

		runs, err := t.store.Collection(db.ColPipelineMetrics).Find(ctx,
			db.Document{"source_id": sid, "status": db.Document{"$in": []any{RunSuccess, RunPartial}}},
			&db.FindOptions{Sort: []db.SortField{{Key: "completed_at", Desc: true}}, Limit: 20},
		)
		if err != nil {
			return configured, err
		}
		if len(runs) < 2 {
			continue
		}

		var intervals []float64
		for i := 0; i < len(runs)-1; i++ {
			newer, okA := runs[i]["completed_at"].(time.Time)
			older, okB := runs[i+1]["completed_at"].(time.Time)
			if okA && okB {
				intervals = append(intervals, newer.Sub(older).Hours())
			}
		}
		if len(intervals) == 0 {
			continue
		}

		var sum float64
		for _, interval := range intervals {
			sum += interval
		}
		expected := sum / float64(len(intervals))

		config := defaultFreshnessConfig(sid)
		config.SourceName = fmt.Sprint(source["name"])
		config.ExpectedFrequencyHours = expected
		config.WarningThresholdHours = expected * 1.5
		config.CriticalThresholdHours = expected * 2

		if err := t.SetConfig(ctx, config); err != nil {
			return configured, err
		}
		configured++
		common.Logger.WithField("source_id", sid).
			WithField("expected_hours", expected).
			Info("freshness auto-configured")
	}
	return configured, nil
}

// StaleSources lists the latest snapshot per source that is not fresh.
func (t *FreshnessTracker) StaleSources(ctx context.Context) ([]*FreshnessState, error) {
	states, err := t.CheckAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*FreshnessState
	for _, state := range states {
		if state.Status == FreshnessStale || state.Status == FreshnessCritical {
			out = append(out, state)
		}
	}
	return out, nil
}

// Summary aggregates the current freshness picture.
func (t *FreshnessTracker) Summary(ctx context.Context) (map[string]any, error) {
	states, err := t.CheckAll(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := map[string]int{}
	for _, state := range states {
		byStatus[string(state.Status)]++
	}

	return map[string]any{
		"total_sources": len(states),
		"fresh":         byStatus[string(FreshnessFresh)],
		"stale":         byStatus[string(FreshnessStale)],
		"critical":      byStatus[string(FreshnessCritical)],
		"unknown":       byStatus[string(FreshnessUnknown)],
		"evaluated_at":  t.clock().Format(time.RFC3339),
	}, nil
}

// History lists recent snapshots for a source, newest first.
func (t *FreshnessTracker) History(ctx context.Context, sourceID string, limit int64) ([]db.Document, error) {
	return t.store.Collection(db.ColFreshnessHistory).Find(ctx,
		db.Document{"source_id": sourceID},
		&db.FindOptions{Sort: []db.SortField{{Key: "evaluated_at", Desc: true}}, Limit: limit},
	)
}

func (t *FreshnessTracker) lastSuccessfulRun(ctx context.Context, sourceID string) (db.Document, error) {
	docs, err := t.store.Collection(db.ColPipelineMetrics).Find(ctx,
		db.Document{"source_id": sourceID, "status": db.Document{"$in": []any{RunSuccess, RunPartial}}},
		&db.FindOptions{Sort: []db.SortField{{Key: "completed_at", Desc: true}}, Limit: 1},
	)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// freshnessStatus classifies an age against the thresholds. With fixed
// thresholds the severity is monotone non-decreasing in age.
func freshnessStatus(config *FreshnessConfig, ageHours float64) FreshnessStatus {
	if !config.Enabled {
		return FreshnessDisabled
	}
	switch {
	case ageHours >= config.CriticalThresholdHours:
		return FreshnessCritical
	case ageHours >= config.WarningThresholdHours:
		return FreshnessStale
	default:
		return FreshnessFresh
	}
}

func (t *FreshnessTracker) storeEvaluation(ctx context.Context, state *FreshnessState) error {
	age := state.DataAgeHours
	if math.IsInf(age, 1) {
		age = -1
	}
	doc := db.Document{
		"source_id":                state.SourceID,
		"source_name":              state.SourceName,
		"status":                   string(state.Status),
		"data_age_hours":           age,
		"expected_frequency_hours": state.ExpectedFrequency,
		"warning_threshold_hours":  state.WarningThreshold,
		"critical_threshold_hours": state.CriticalThreshold,
		"records_in_last_run":      state.RecordsInLastRun,
		"evaluated_at":             state.EvaluatedAt,
	}
	if state.LastSuccessfulRun != nil {
		doc["last_successful_run"] = *state.LastSuccessfulRun
	}
	_, err := t.store.Collection(db.ColFreshnessHistory).InsertOne(ctx, doc)
	return err
}

// handleStalenessAlert dispatches at most one alert per cooldown window,
// honoring the per-status alert switches.
func (t *FreshnessTracker) handleStalenessAlert(ctx context.Context, config *FreshnessConfig, state *FreshnessState) {
	now := t.clock()

	shouldAlert := (state.Status == FreshnessCritical && config.AlertOnCritical) ||
		(state.Status == FreshnessStale && config.AlertOnStale)
	if !shouldAlert {
		return
	}

	if config.LastAlertAt != nil {
		cooldownEnd := config.LastAlertAt.Add(time.Duration(config.AlertCooldownHours * float64(time.Hour)))
		if now.Before(cooldownEnd) {
			return
		}
	}

	severity := notification.SeverityWarning
	label := "STALE"
	if state.Status == FreshnessCritical {
		severity = notification.SeverityCritical
		label = "CRITICAL"
	}

	lastUpdate := "Never"
	if state.LastSuccessfulRun != nil {
		lastUpdate = fmt.Sprintf("%s (%s)",
			state.LastSuccessfulRun.Format("2006-01-02 15:04:05 UTC"),
			humanize.RelTime(*state.LastSuccessfulRun, now, "ago", "from now"))
	}

	name := config.SourceName
	if name == "" {
		name = config.SourceID
	}
	body := fmt.Sprintf(
		"Data Freshness Alert: %s\n\nSource: %s\nSource ID: %s\n\nData Age: %.1f hours\nExpected Frequency: %.1f hours\nWarning Threshold: %.1f hours\nCritical Threshold: %.1f hours\n\nLast Successful Update: %s\nRecords in Last Run: %d\n\nPlease investigate why data has not been refreshed.",
		label, name, config.SourceID,
		state.DataAgeHours, config.ExpectedFrequencyHours,
		config.WarningThresholdHours, config.CriticalThresholdHours,
		lastUpdate, state.RecordsInLastRun,
	)

	if _, err := t.notifier.Send(ctx, notification.Message{
		Title:    fmt.Sprintf("Data Freshness %s: %s", label, name),
		Body:     body,
		Severity: severity,
		SourceID: config.SourceID,
		Metadata: map[string]any{
			"data_age_hours":           state.DataAgeHours,
			"expected_frequency_hours": config.ExpectedFrequencyHours,
			"status":                   string(state.Status),
		},
	}); err != nil {
		common.Logger.Warnf("freshness alert failed: %v", err)
		return
	}

	if _, err := t.store.Collection(db.ColFreshnessConfig).UpdateOne(ctx,
		db.Document{"source_id": config.SourceID},
		db.Document{"$set": db.Document{"last_alert_at": now}},
	); err != nil {
		common.Logger.Warnf("last_alert_at update failed: %v", err)
	}
	config.LastAlertAt = &now
}

// ---------- Serialization ----------

func configToDoc(config *FreshnessConfig) db.Document {
	doc := db.Document{
		"source_id":                config.SourceID,
		"source_name":              config.SourceName,
		"expected_frequency_hours": config.ExpectedFrequencyHours,
		"warning_threshold_hours":  config.WarningThresholdHours,
		"critical_threshold_hours": config.CriticalThresholdHours,
		"business_hours_only":      config.BusinessHoursOnly,
		"timezone":                 config.Timezone,
		"alert_on_stale":           config.AlertOnStale,
		"alert_on_critical":        config.AlertOnCritical,
		"alert_cooldown_hours":     config.AlertCooldownHours,
		"enabled":                  config.Enabled,
	}
	if config.ScheduleCron != "" {
		doc["schedule_cron"] = config.ScheduleCron
	}
	if config.LastAlertAt != nil {
		doc["last_alert_at"] = *config.LastAlertAt
	}
	return doc
}

func docToConfig(doc db.Document) *FreshnessConfig {
	config := &FreshnessConfig{
		SourceID:               strField(doc, "source_id"),
		SourceName:             strField(doc, "source_name"),
		ExpectedFrequencyHours: floatVal(doc["expected_frequency_hours"]),
		WarningThresholdHours:  floatVal(doc["warning_threshold_hours"]),
		CriticalThresholdHours: floatVal(doc["critical_threshold_hours"]),
		ScheduleCron:           strField(doc, "schedule_cron"),
		Timezone:               strField(doc, "timezone"),
		AlertCooldownHours:     floatVal(doc["alert_cooldown_hours"]),
	}
	if b, ok := doc["business_hours_only"].(bool); ok {
		config.BusinessHoursOnly = b
	}
	if b, ok := doc["alert_on_stale"].(bool); ok {
		config.AlertOnStale = b
	}
	if b, ok := doc["alert_on_critical"].(bool); ok {
		config.AlertOnCritical = b
	}
	if b, ok := doc["enabled"].(bool); ok {
		config.Enabled = b
	}
	if t, ok := doc["last_alert_at"].(time.Time); ok {
		config.LastAlertAt = &t
	}
	if t, ok := doc["created_at"].(time.Time); ok {
		config.CreatedAt = t
	}
	if t, ok := doc["updated_at"].(time.Time); ok {
		config.UpdatedAt = &t
	}
	return config
}
