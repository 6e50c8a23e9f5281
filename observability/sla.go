package observability

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
	"atlas.crawlops.org/notification"
)

// SLAType selects how actual_value is computed over the window.
type SLAType string

const (
	SLAAvailability SLAType = "availability"
	SLALatency      SLAType = "latency"
	SLAThroughput   SLAType = "throughput"
	SLAQuality      SLAType = "quality"
	SLAFreshness    SLAType = "freshness"
	SLASuccessRate  SLAType = "success_rate"
	SLAErrorRate    SLAType = "error_rate"
)

// lowerIsBetter reports whether smaller actual values are healthier.
func lowerIsBetter(t SLAType) bool {
	switch t {
	case SLALatency, SLAErrorRate, SLAFreshness:
		return true
	}
	return false
}

// SLAStatus is the compliance classification of one evaluation.
type SLAStatus string

const (
	SLACompliant SLAStatus = "compliant"
	SLAAtRisk    SLAStatus = "at_risk"
	SLABreached  SLAStatus = "breached"
	SLAUnknown   SLAStatus = "unknown"
)

// SLADefinition specifies an expected performance level.
type SLADefinition struct {
	ID          string `json:"id,omitempty" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	SourceID string  `json:"source_id,omitempty" yaml:"source_id"` // empty = global
	Category string  `json:"category,omitempty" yaml:"category"`
	Type     SLAType `json:"sla_type" yaml:"sla_type"`

	TargetValue       float64 `json:"target_value" yaml:"target_value"`
	WarningThreshold  float64 `json:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold" yaml:"critical_threshold"`

	WindowHours        int    `json:"window_hours" yaml:"window_hours"`
	EvaluationSchedule string `json:"evaluation_schedule,omitempty" yaml:"evaluation_schedule"`

	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Priority  int        `json:"priority" yaml:"priority"`
	Owner     string     `json:"owner,omitempty" yaml:"owner"`
	Tags      []string   `json:"tags,omitempty" yaml:"tags"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// SLABreach records one non-compliant evaluation.
type SLABreach struct {
	ID      string `json:"id,omitempty"`
	SLAID   string `json:"sla_id"`
	SLAName string `json:"sla_name"`
	SLAType string `json:"sla_type"`

	SourceID string `json:"source_id,omitempty"`
	Category string `json:"category,omitempty"`

	Status          SLAStatus `json:"status"`
	TargetValue     float64   `json:"target_value"`
	ActualValue     float64   `json:"actual_value"`
	VariancePercent float64   `json:"variance_percent"`

	DetectedAt  time.Time `json:"detected_at"`
	WindowStart time.Time `json:"evaluation_window_start"`
	WindowEnd   time.Time `json:"evaluation_window_end"`

	Acknowledged bool `json:"acknowledged"`
	Resolved     bool `json:"resolved"`
}

// SLAMonitor evaluates SLA definitions against pipeline metrics and
// maintains the breach store.
type SLAMonitor struct {
	store    db.Database
	notifier notification.Notifier
	clock    func() time.Time
}

// NewSLAMonitor creates an SLA monitor.
func NewSLAMonitor(store db.Database, notifier notification.Notifier) *SLAMonitor {
	if notifier == nil {
		notifier = notification.NopNotifier{}
	}
	return &SLAMonitor{
		store:    store,
		notifier: notifier,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a time source for tests.
func (m *SLAMonitor) WithClock(clock func() time.Time) *SLAMonitor {
	m.clock = clock
	return m
}

// ---------- Definition CRUD ----------

// CreateSLA persists a definition and returns its id.
func (m *SLAMonitor) CreateSLA(ctx context.Context, sla *SLADefinition) (string, error) {
	if sla.Type == "" {
		sla.Type = SLAAvailability
	}
	if sla.WindowHours == 0 {
		sla.WindowHours = 24
	}
	if sla.Priority == 0 {
		sla.Priority = 1
	}
	sla.CreatedAt = m.clock()

	id, err := m.store.Collection(db.ColSLADefinitions).InsertOne(ctx, slaToDoc(sla))
	if err != nil {
		return "", err
	}
	sla.ID = id.Hex()
	return sla.ID, nil
}

// GetSLA loads one definition by id.
func (m *SLAMonitor) GetSLA(ctx context.Context, slaID string) (*SLADefinition, error) {
	oid, err := db.ParseIdRef(slaID)
	if err != nil {
		return nil, err
	}
	doc, err := m.store.Collection(db.ColSLADefinitions).FindOne(ctx, db.Document{"_id": oid})
	if err != nil || doc == nil {
		return nil, err
	}
	return docToSLA(doc), nil
}

// UpdateSLA patches a definition.
func (m *SLAMonitor) UpdateSLA(ctx context.Context, slaID string, patch db.Document) (bool, error) {
	oid, err := db.ParseIdRef(slaID)
	if err != nil {
		return false, err
	}
	patch["updated_at"] = m.clock()
	n, err := m.store.Collection(db.ColSLADefinitions).UpdateOne(ctx,
		db.Document{"_id": oid}, db.Document{"$set": patch})
	return n > 0, err
}

// DeleteSLA removes a definition.
func (m *SLAMonitor) DeleteSLA(ctx context.Context, slaID string) (bool, error) {
	oid, err := db.ParseIdRef(slaID)
	if err != nil {
		return false, err
	}
	n, err := m.store.Collection(db.ColSLADefinitions).DeleteOne(ctx, db.Document{"_id": oid})
	return n > 0, err
}

// ListSLAs returns definitions, optionally only enabled ones.
func (m *SLAMonitor) ListSLAs(ctx context.Context, enabledOnly bool) ([]*SLADefinition, error) {
	filter := db.Document{}
	if enabledOnly {
		filter["enabled"] = true
	}
	docs, err := m.store.Collection(db.ColSLADefinitions).Find(ctx, filter, &db.FindOptions{
		Sort: []db.SortField{{Key: "priority"}, {Key: "name"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*SLADefinition, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToSLA(doc))
	}
	return out, nil
}

// LoadSLAsFromFile seeds missing definitions from a YAML bootstrap file.
func (m *SLAMonitor) LoadSLAsFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read SLA file %s: %w", path, err)
	}

	var payload struct {
		SLAs []SLADefinition `yaml:"slas"`
	}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("malformed SLA file %s: %w", path, err)
	}

	created := 0
	for i := range payload.SLAs {
		sla := payload.SLAs[i]
		existing, err := m.store.Collection(db.ColSLADefinitions).FindOne(ctx, db.Document{"name": sla.Name})
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		sla.Enabled = true
		if _, err := m.CreateSLA(ctx, &sla); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// ---------- Evaluation ----------

// EvaluateAll evaluates every enabled SLA concurrently and returns the
// detected breaches.
func (m *SLAMonitor) EvaluateAll(ctx context.Context) ([]*SLABreach, error) {
	slas, err := m.ListSLAs(ctx, true)
	if err != nil {
		return nil, err
	}

	breaches := make([]*SLABreach, len(slas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, sla := range slas {
		g.Go(func() error {
			breach, err := m.Evaluate(gctx, sla)
			if err != nil {
				common.Logger.WithField("sla", sla.Name).Warnf("SLA evaluation failed: %v", err)
				return nil
			}
			breaches[i] = breach
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*SLABreach
	for _, breach := range breaches {
		if breach != nil {
			out = append(out, breach)
		}
	}
	return out, nil
}

// Evaluate computes the actual value for one SLA, stores the evaluation,
// and on non-compliance records a breach and dispatches a notification
// (critical on breach, warning when at risk).
func (m *SLAMonitor) Evaluate(ctx context.Context, sla *SLADefinition) (*SLABreach, error) {
	actual, known, err := m.calculateValue(ctx, sla)
	if err != nil {
		return nil, err
	}
	if !known {
		common.Logger.WithField("sla", sla.Name).Warn("could not calculate SLA value")
		return nil, nil
	}

	status := m.determineStatus(sla, actual)
	if err := m.storeEvaluation(ctx, sla, actual, status); err != nil {
		return nil, err
	}

	if status == SLACompliant {
		return nil, nil
	}

	slaBreachesTotal.WithLabelValues(string(sla.Type), string(status)).Inc()
	return m.createBreach(ctx, sla, actual, status)
}

// calculateValue dispatches per SLA type. known=false means the value
// could not be computed at all.
func (m *SLAMonitor) calculateValue(ctx context.Context, sla *SLADefinition) (float64, bool, error) {
	since := m.clock().Add(-time.Duration(sla.WindowHours) * time.Hour)
	filter := db.Document{"started_at": db.Document{"$gte": since}}
	if sla.SourceID != "" {
		filter["source_id"] = sla.SourceID
	}
	if sla.Category != "" {
		filter["category"] = sla.Category
	}

	docs, err := m.store.Collection(db.ColPipelineMetrics).Find(ctx, filter, nil)
	if err != nil {
		return 0, false, err
	}

	switch sla.Type {
	case SLAAvailability:
		return ratioOverWindow(docs, func(status string) bool {
			return status == RunSuccess || status == RunPartial
		}), true, nil

	case SLASuccessRate:
		return ratioOverWindow(docs, func(status string) bool {
			return status == RunSuccess
		}), true, nil

	case SLAErrorRate:
		records, errs := 0, 0
		for _, doc := range docs {
			records += intVal(doc["records_loaded"])
			errs += intVal(doc["error_count"])
		}
		if records == 0 {
			return 0, true, nil
		}
		return float64(errs) / float64(records) * 100, true, nil

	case SLALatency:
		if len(docs) == 0 {
			return 0, true, nil
		}
		var sum float64
		for _, doc := range docs {
			sum += floatVal(doc["execution_time_ms"])
		}
		return sum / float64(len(docs)), true, nil

	case SLAThroughput:
		total := 0
		for _, doc := range docs {
			total += intVal(doc["records_loaded"])
		}
		hours := sla.WindowHours
		if hours < 1 {
			hours = 1
		}
		return float64(total) / float64(hours), true, nil

	case SLAQuality:
		sum, count := 0.0, 0
		for _, doc := range docs {
			if q, ok := doc["quality_score"]; ok && q != nil {
				sum += floatVal(q)
				count++
			}
		}
		if count == 0 {
			return 100, true, nil
		}
		return sum / float64(count), true, nil

	case SLAFreshness:
		return m.freshnessHours(ctx, sla.SourceID)

	default:
		return 0, false, nil
	}
}

func ratioOverWindow(docs []db.Document, ok func(status string) bool) float64 {
	if len(docs) == 0 {
		return 100 // no data = assume available
	}
	hits := 0
	for _, doc := range docs {
		if ok(fmt.Sprint(doc["status"])) {
			hits++
		}
	}
	return float64(hits) / float64(len(docs)) * 100
}

// freshnessHours is the age in hours of the most recent successful run.
func (m *SLAMonitor) freshnessHours(ctx context.Context, sourceID string) (float64, bool, error) {
	if sourceID == "" {
		return 0, true, nil
	}
	docs, err := m.store.Collection(db.ColPipelineMetrics).Find(ctx,
		db.Document{"source_id": sourceID, "status": RunSuccess},
		&db.FindOptions{Sort: []db.SortField{{Key: "completed_at", Desc: true}}, Limit: 1},
	)
	if err != nil {
		return 0, false, err
	}
	if len(docs) == 0 {
		return math.Inf(1), true, nil
	}
	completed, ok := docs[0]["completed_at"].(time.Time)
	if !ok {
		return math.Inf(1), true, nil
	}
	return m.clock().Sub(completed).Hours(), true, nil
}

// determineStatus classifies the actual value. For lower-is-better types
// the target/warning thresholds bound compliant and at-risk; for the
// rest compliant ≥ target, at-risk ≥ warning, breached otherwise.
func (m *SLAMonitor) determineStatus(sla *SLADefinition, actual float64) SLAStatus {
	if lowerIsBetter(sla.Type) {
		switch {
		case actual <= sla.TargetValue:
			return SLACompliant
		case actual <= sla.WarningThreshold:
			return SLAAtRisk
		default:
			return SLABreached
		}
	}

	switch {
	case actual >= sla.TargetValue:
		return SLACompliant
	case actual >= sla.WarningThreshold:
		return SLAAtRisk
	default:
		return SLABreached
	}
}

func (m *SLAMonitor) storeEvaluation(ctx context.Context, sla *SLADefinition, actual float64, status SLAStatus) error {
	value := actual
	if math.IsInf(value, 1) {
		value = -1 // stored sentinel for "never succeeded"
	}
	_, err := m.store.Collection(db.ColSLAEvaluations).InsertOne(ctx, db.Document{
		"sla_id":       sla.ID,
		"sla_name":     sla.Name,
		"sla_type":     string(sla.Type),
		"source_id":    sla.SourceID,
		"category":     sla.Category,
		"actual_value": value,
		"target_value": sla.TargetValue,
		"status":       string(status),
		"evaluated_at": m.clock(),
	})
	return err
}

func (m *SLAMonitor) createBreach(ctx context.Context, sla *SLADefinition, actual float64, status SLAStatus) (*SLABreach, error) {
	now := m.clock()

	variance := 0.0
	if sla.TargetValue != 0 && !math.IsInf(actual, 1) {
		variance = (actual - sla.TargetValue) / sla.TargetValue * 100
	}

	breach := &SLABreach{
		SLAID:           sla.ID,
		SLAName:         sla.Name,
		SLAType:         string(sla.Type),
		SourceID:        sla.SourceID,
		Category:        sla.Category,
		Status:          status,
		TargetValue:     sla.TargetValue,
		ActualValue:     actual,
		VariancePercent: variance,
		DetectedAt:      now,
		WindowStart:     now.Add(-time.Duration(sla.WindowHours) * time.Hour),
		WindowEnd:       now,
	}

	stored := actual
	if math.IsInf(stored, 1) {
		stored = -1
	}
	id, err := m.store.Collection(db.ColSLABreaches).InsertOne(ctx, db.Document{
		"sla_id":                  breach.SLAID,
		"sla_name":                breach.SLAName,
		"sla_type":                breach.SLAType,
		"source_id":               breach.SourceID,
		"category":                breach.Category,
		"status":                  string(breach.Status),
		"target_value":            breach.TargetValue,
		"actual_value":            stored,
		"variance_percent":        breach.VariancePercent,
		"detected_at":             breach.DetectedAt,
		"evaluation_window_start": breach.WindowStart,
		"evaluation_window_end":   breach.WindowEnd,
		"acknowledged":            false,
		"resolved":                false,
	})
	if err != nil {
		return nil, err
	}
	breach.ID = id.Hex()

	severity := notification.SeverityWarning
	label := "AT RISK"
	if status == SLABreached {
		severity = notification.SeverityCritical
		label = "BREACHED"
	}

	if _, err := m.notifier.Send(ctx, notification.Message{
		Title: fmt.Sprintf("SLA %s: %s", label, sla.Name),
		Body: fmt.Sprintf(
			"SLA %s\n\nName: %s\nType: %s\nSource: %s\nTarget: %.2f\nActual: %.2f\nVariance: %.2f%%\nWindow: %dh",
			label, sla.Name, sla.Type, sla.SourceID, sla.TargetValue, actual, variance, sla.WindowHours,
		),
		Severity: severity,
		SourceID: sla.SourceID,
		Metadata: map[string]any{
			"sla_type":     string(sla.Type),
			"target_value": sla.TargetValue,
			"actual_value": stored,
			"status":       string(status),
		},
	}); err != nil {
		common.Logger.Warnf("SLA breach notification failed: %v", err)
	}

	common.Logger.WithField("sla", sla.Name).
		WithField("status", string(status)).
		WithField("actual", stored).
		Warn("SLA evaluation non-compliant")
	return breach, nil
}

// ---------- Breach store ----------

// RecentBreaches lists breaches newest first.
func (m *SLAMonitor) RecentBreaches(ctx context.Context, limit int64, unresolvedOnly bool) ([]db.Document, error) {
	filter := db.Document{}
	if unresolvedOnly {
		filter["resolved"] = false
	}
	return m.store.Collection(db.ColSLABreaches).Find(ctx, filter, &db.FindOptions{
		Sort:  []db.SortField{{Key: "detected_at", Desc: true}},
		Limit: limit,
	})
}

// AcknowledgeBreach marks one breach acknowledged.
func (m *SLAMonitor) AcknowledgeBreach(ctx context.Context, breachID, who string) (bool, error) {
	oid, err := db.ParseIdRef(breachID)
	if err != nil {
		return false, err
	}
	n, err := m.store.Collection(db.ColSLABreaches).UpdateOne(ctx,
		db.Document{"_id": oid},
		db.Document{"$set": db.Document{
			"acknowledged":    true,
			"acknowledged_at": m.clock(),
			"acknowledged_by": who,
		}},
	)
	return n > 0, err
}

// ResolveBreach marks one breach resolved with optional notes.
func (m *SLAMonitor) ResolveBreach(ctx context.Context, breachID, notes string) (bool, error) {
	oid, err := db.ParseIdRef(breachID)
	if err != nil {
		return false, err
	}
	update := db.Document{
		"resolved":    true,
		"resolved_at": m.clock(),
	}
	if notes != "" {
		update["resolution_notes"] = notes
	}
	n, err := m.store.Collection(db.ColSLABreaches).UpdateOne(ctx,
		db.Document{"_id": oid}, db.Document{"$set": update})
	return n > 0, err
}

// ComplianceSummary aggregates the evaluation history over a window.
func (m *SLAMonitor) ComplianceSummary(ctx context.Context, hours int) (map[string]any, error) {
	since := m.clock().Add(-time.Duration(hours) * time.Hour)
	docs, err := m.store.Collection(db.ColSLAEvaluations).Find(ctx,
		db.Document{"evaluated_at": db.Document{"$gte": since}}, nil)
	if err != nil {
		return nil, err
	}

	total := len(docs)
	byStatus := map[string]int{}
	byType := map[string]map[string]int{}
	for _, doc := range docs {
		status := fmt.Sprint(doc["status"])
		slaType := fmt.Sprint(doc["sla_type"])
		byStatus[status]++
		if byType[slaType] == nil {
			byType[slaType] = map[string]int{}
		}
		byType[slaType][status]++
	}

	complianceRate := 100.0
	if total > 0 {
		complianceRate = float64(byStatus[string(SLACompliant)]) / float64(total) * 100
	}

	return map[string]any{
		"period_hours":    hours,
		"total":           total,
		"compliant":       byStatus[string(SLACompliant)],
		"at_risk":         byStatus[string(SLAAtRisk)],
		"breached":        byStatus[string(SLABreached)],
		"compliance_rate": complianceRate,
		"by_type":         byType,
	}, nil
}

// ---------- Serialization ----------

func slaToDoc(sla *SLADefinition) db.Document {
	doc := db.Document{
		"name":               sla.Name,
		"description":        sla.Description,
		"sla_type":           string(sla.Type),
		"target_value":       sla.TargetValue,
		"warning_threshold":  sla.WarningThreshold,
		"critical_threshold": sla.CriticalThreshold,
		"window_hours":       sla.WindowHours,
		"enabled":            sla.Enabled,
		"priority":           sla.Priority,
		"created_at":         sla.CreatedAt,
	}
	if sla.SourceID != "" {
		doc["source_id"] = sla.SourceID
	}
	if sla.Category != "" {
		doc["category"] = sla.Category
	}
	if sla.EvaluationSchedule != "" {
		doc["evaluation_schedule"] = sla.EvaluationSchedule
	}
	if sla.Owner != "" {
		doc["owner"] = sla.Owner
	}
	if len(sla.Tags) > 0 {
		doc["tags"] = sla.Tags
	}
	return doc
}

func docToSLA(doc db.Document) *SLADefinition {
	sla := &SLADefinition{
		Name:               fmt.Sprint(doc["name"]),
		Description:        strField(doc, "description"),
		SourceID:           strField(doc, "source_id"),
		Category:           strField(doc, "category"),
		Type:               SLAType(strField(doc, "sla_type")),
		TargetValue:        floatVal(doc["target_value"]),
		WarningThreshold:   floatVal(doc["warning_threshold"]),
		CriticalThreshold:  floatVal(doc["critical_threshold"]),
		WindowHours:        intVal(doc["window_hours"]),
		EvaluationSchedule: strField(doc, "evaluation_schedule"),
		Priority:           intVal(doc["priority"]),
		Owner:              strField(doc, "owner"),
	}
	if id, ok := doc["_id"].(db.IdRef); ok {
		sla.ID = id.Hex()
	}
	if enabled, ok := doc["enabled"].(bool); ok {
		sla.Enabled = enabled
	}
	if t, ok := doc["created_at"].(time.Time); ok {
		sla.CreatedAt = t
	}
	return sla
}
