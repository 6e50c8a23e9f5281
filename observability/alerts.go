package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
	"atlas.crawlops.org/notification"
)

// AlertCondition selects how a rule matches metric data.
type AlertCondition string

const (
	CondThresholdAbove      AlertCondition = "threshold_above"
	CondThresholdBelow      AlertCondition = "threshold_below"
	CondEquals              AlertCondition = "equals"
	CondNotEquals           AlertCondition = "not_equals"
	CondConsecutiveFailures AlertCondition = "consecutive_failures"
	CondRateAbove           AlertCondition = "rate_above"
	CondRateBelow           AlertCondition = "rate_below"
	CondPatternMatch        AlertCondition = "pattern_match"
	CondMissingData         AlertCondition = "missing_data"
)

// AlertAction is a response step taken on trigger.
type AlertAction string

const (
	ActionNotify        AlertAction = "notify"
	ActionLog           AlertAction = "log"
	ActionDisableSource AlertAction = "disable_source"
	ActionEscalate      AlertAction = "escalate"
)

// AlertRule defines when and how to trigger an alert.
type AlertRule struct {
	ID          string `json:"id,omitempty" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	SourceID   string `json:"source_id,omitempty" yaml:"source_id"` // empty = every source
	MetricType string `json:"metric_type,omitempty" yaml:"metric_type"`

	Condition        AlertCondition `json:"condition" yaml:"condition"`
	MetricField      string         `json:"metric_field" yaml:"metric_field"`
	Threshold        float64        `json:"threshold" yaml:"threshold"`
	WindowMinutes    int            `json:"window_minutes" yaml:"window_minutes"`
	ConsecutiveCount int            `json:"consecutive_count" yaml:"consecutive_count"`

	Severity        notification.Severity `json:"severity" yaml:"severity"`
	Actions         []AlertAction         `json:"actions" yaml:"actions"`
	CooldownMinutes int                   `json:"cooldown_minutes" yaml:"cooldown_minutes"`

	Enabled       bool       `json:"enabled" yaml:"enabled"`
	LastTriggered *time.Time `json:"last_triggered,omitempty" yaml:"-"`
	TriggerCount  int        `json:"trigger_count" yaml:"-"`

	Tags      []string   `json:"tags,omitempty" yaml:"tags"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"-"`
	CreatedBy string     `json:"created_by,omitempty" yaml:"created_by"`
}

// AlertTrigger records one fired alert.
type AlertTrigger struct {
	ID                 string         `json:"id,omitempty"`
	RuleID             string         `json:"rule_id"`
	RuleName           string         `json:"rule_name"`
	SourceID           string         `json:"source_id,omitempty"`
	TriggeredAt        time.Time      `json:"triggered_at"`
	Severity           string         `json:"severity"`
	ConditionDetails   map[string]any `json:"condition_details"`
	ActionsTaken       []string       `json:"actions_taken"`
	NotificationSent   bool           `json:"notification_sent"`
	NotificationResult map[string]any `json:"notification_result,omitempty"`
	Acknowledged       bool           `json:"acknowledged"`
	Resolved           bool           `json:"resolved"`
}

// cacheTTL bounds how stale the rules cache may get.
const cacheTTL = 5 * time.Minute

// AlertEngine evaluates metrics against rules and dispatches actions.
// Rules are read from a cached snapshot refreshed every five minutes or
// after any rule write; per-rule locks make the cooldown
// read-modify-write race-free.
type AlertEngine struct {
	store    db.Database
	notifier notification.Notifier
	clock    func() time.Time

	cacheMu     sync.RWMutex
	rulesCache  map[string]*AlertRule
	lastRefresh time.Time

	ruleLocksMu sync.Mutex
	ruleLocks   map[string]*sync.Mutex
}

// NewAlertEngine creates an alert engine.
func NewAlertEngine(store db.Database, notifier notification.Notifier) *AlertEngine {
	if notifier == nil {
		notifier = notification.NopNotifier{}
	}
	return &AlertEngine{
		store:      store,
		notifier:   notifier,
		clock:      func() time.Time { return time.Now().UTC() },
		rulesCache: map[string]*AlertRule{},
		ruleLocks:  map[string]*sync.Mutex{},
	}
}

// WithClock injects a time source for tests.
func (e *AlertEngine) WithClock(clock func() time.Time) *AlertEngine {
	e.clock = clock
	return e
}

// ---------- Rule CRUD ----------

// CreateRule persists a rule and refreshes the cache.
func (e *AlertEngine) CreateRule(ctx context.Context, rule *AlertRule) (string, error) {
	if rule.Condition == "" {
		rule.Condition = CondThresholdAbove
	}
	if rule.Severity == "" {
		rule.Severity = notification.SeverityWarning
	}
	if len(rule.Actions) == 0 {
		rule.Actions = []AlertAction{ActionNotify}
	}
	if rule.CooldownMinutes == 0 {
		rule.CooldownMinutes = 30
	}
	if rule.WindowMinutes == 0 {
		rule.WindowMinutes = 60
	}
	if rule.ConsecutiveCount == 0 {
		rule.ConsecutiveCount = 3
	}
	rule.CreatedAt = e.clock()

	id, err := e.store.Collection(db.ColAlertRules).InsertOne(ctx, ruleToDoc(rule))
	if err != nil {
		return "", err
	}
	rule.ID = id.Hex()
	if err := e.refreshCache(ctx); err != nil {
		common.Logger.Warnf("rules cache refresh after create failed: %v", err)
	}
	return rule.ID, nil
}

// GetRule loads one rule by id.
func (e *AlertEngine) GetRule(ctx context.Context, ruleID string) (*AlertRule, error) {
	oid, err := db.ParseIdRef(ruleID)
	if err != nil {
		return nil, err
	}
	doc, err := e.store.Collection(db.ColAlertRules).FindOne(ctx, db.Document{"_id": oid})
	if err != nil || doc == nil {
		return nil, err
	}
	return docToRule(doc), nil
}

// UpdateRule patches a rule and refreshes the cache.
func (e *AlertEngine) UpdateRule(ctx context.Context, ruleID string, patch db.Document) (bool, error) {
	oid, err := db.ParseIdRef(ruleID)
	if err != nil {
		return false, err
	}
	patch["updated_at"] = e.clock()
	n, err := e.store.Collection(db.ColAlertRules).UpdateOne(ctx,
		db.Document{"_id": oid}, db.Document{"$set": patch})
	if err != nil {
		return false, err
	}
	if err := e.refreshCache(ctx); err != nil {
		common.Logger.Warnf("rules cache refresh after update failed: %v", err)
	}
	return n > 0, nil
}

// DeleteRule removes a rule and refreshes the cache.
func (e *AlertEngine) DeleteRule(ctx context.Context, ruleID string) (bool, error) {
	oid, err := db.ParseIdRef(ruleID)
	if err != nil {
		return false, err
	}
	n, err := e.store.Collection(db.ColAlertRules).DeleteOne(ctx, db.Document{"_id": oid})
	if err != nil {
		return false, err
	}
	if err := e.refreshCache(ctx); err != nil {
		common.Logger.Warnf("rules cache refresh after delete failed: %v", err)
	}
	return n > 0, nil
}

// ListRules returns rules, optionally only enabled ones.
func (e *AlertEngine) ListRules(ctx context.Context, enabledOnly bool) ([]*AlertRule, error) {
	filter := db.Document{}
	if enabledOnly {
		filter["enabled"] = true
	}
	docs, err := e.store.Collection(db.ColAlertRules).Find(ctx, filter, &db.FindOptions{
		Sort: []db.SortField{{Key: "name"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*AlertRule, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToRule(doc))
	}
	return out, nil
}

// ToggleRule flips a rule's enabled flag.
func (e *AlertEngine) ToggleRule(ctx context.Context, ruleID string, enabled bool) (bool, error) {
	return e.UpdateRule(ctx, ruleID, db.Document{"enabled": enabled})
}

// LoadRulesFromFile seeds missing rules from a YAML bootstrap file.
func (e *AlertEngine) LoadRulesFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var payload struct {
		Rules []AlertRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("malformed rules file %s: %w", path, err)
	}

	created := 0
	for i := range payload.Rules {
		rule := payload.Rules[i]
		existing, err := e.store.Collection(db.ColAlertRules).FindOne(ctx, db.Document{"name": rule.Name})
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		rule.Enabled = true
		if _, err := e.CreateRule(ctx, &rule); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// ---------- Evaluation ----------

// EvaluateMetric runs every applicable enabled rule outside its cooldown
// against the metric data and returns the fired triggers.
func (e *AlertEngine) EvaluateMetric(ctx context.Context, metricData map[string]any, sourceID string) ([]*AlertTrigger, error) {
	rules, err := e.applicableRules(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var triggers []*AlertTrigger
	for _, rule := range rules {
		if rule.Condition == CondConsecutiveFailures {
			continue // evaluated through EvaluateConsecutiveFailures
		}

		mu := e.ruleLock(rule.ID)
		mu.Lock()
		if e.inCooldown(rule) {
			mu.Unlock()
			continue
		}

		matched, err := e.evaluateCondition(ctx, rule, metricData)
		if err != nil {
			mu.Unlock()
			common.Logger.WithField("rule", rule.Name).Warnf("condition evaluation failed: %v", err)
			continue
		}
		if !matched {
			mu.Unlock()
			continue
		}

		trigger := e.fire(ctx, rule, metricData, sourceID)
		mu.Unlock()
		if trigger != nil {
			triggers = append(triggers, trigger)
		}
	}
	return triggers, nil
}

// EvaluateConsecutiveFailures checks failure-streak rules after a run
// completes with a non-success status.
func (e *AlertEngine) EvaluateConsecutiveFailures(ctx context.Context, sourceID, currentStatus string) ([]*AlertTrigger, error) {
	if currentStatus == RunSuccess {
		return nil, nil
	}

	rules, err := e.applicableRules(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var triggers []*AlertTrigger
	for _, rule := range rules {
		if rule.Condition != CondConsecutiveFailures {
			continue
		}

		mu := e.ruleLock(rule.ID)
		mu.Lock()
		if e.inCooldown(rule) {
			mu.Unlock()
			continue
		}

		failures, err := e.countRecentFailures(ctx, sourceID, rule.ConsecutiveCount)
		if err != nil {
			mu.Unlock()
			return triggers, err
		}
		if failures < rule.ConsecutiveCount {
			mu.Unlock()
			continue
		}

		trigger := e.fire(ctx, rule, map[string]any{
			"consecutive_failures": failures,
			"threshold":            rule.ConsecutiveCount,
		}, sourceID)
		mu.Unlock()
		if trigger != nil {
			triggers = append(triggers, trigger)
		}
	}
	return triggers, nil
}

func (e *AlertEngine) evaluateCondition(ctx context.Context, rule *AlertRule, metricData map[string]any) (bool, error) {
	fieldValue, present := metricData[rule.MetricField]
	if !present || fieldValue == nil {
		return rule.Condition == CondMissingData, nil
	}

	switch rule.Condition {
	case CondThresholdAbove:
		return floatVal(fieldValue) > rule.Threshold, nil
	case CondThresholdBelow:
		return floatVal(fieldValue) < rule.Threshold, nil
	case CondEquals:
		return floatVal(fieldValue) == rule.Threshold, nil
	case CondNotEquals:
		return floatVal(fieldValue) != rule.Threshold, nil
	case CondRateAbove, CondRateBelow:
		sourceID, _ := metricData["source_id"].(string)
		rate, err := e.calculateRate(ctx, rule.MetricField, sourceID, rule.WindowMinutes)
		if err != nil {
			return false, err
		}
		if rule.Condition == CondRateAbove {
			return rate > rule.Threshold, nil
		}
		return rate < rule.Threshold, nil
	default:
		return false, nil
	}
}

// calculateRate averages the referenced field over the window.
func (e *AlertEngine) calculateRate(ctx context.Context, field, sourceID string, windowMinutes int) (float64, error) {
	since := e.clock().Add(-time.Duration(windowMinutes) * time.Minute)
	match := db.Document{"started_at": db.Document{"$gte": since}}
	if sourceID != "" {
		match["source_id"] = sourceID
	}

	rows, err := e.store.Collection(db.ColPipelineMetrics).Aggregate(ctx, []db.Document{
		{"$match": match},
		{"$group": db.Document{
			"_id":   nil,
			"total": db.Document{"$sum": "$" + field},
			"count": db.Document{"$sum": 1},
		}},
	})
	if errors.Is(err, db.ErrAggregationUnsupported) {
		docs, ferr := e.store.Collection(db.ColPipelineMetrics).Find(ctx, match, nil)
		if ferr != nil {
			return 0, ferr
		}
		total, count := 0.0, 0
		for _, doc := range docs {
			total += floatVal(doc[field])
			count++
		}
		if count == 0 {
			return 0, nil
		}
		return total / float64(count), nil
	}
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || intVal(rows[0]["count"]) == 0 {
		return 0, nil
	}
	return floatVal(rows[0]["total"]) / float64(intVal(rows[0]["count"])), nil
}

// countRecentFailures counts the trailing failed runs until the first
// non-failed run, looking back at most limit runs.
func (e *AlertEngine) countRecentFailures(ctx context.Context, sourceID string, limit int) (int, error) {
	docs, err := e.store.Collection(db.ColPipelineMetrics).Find(ctx,
		db.Document{"source_id": sourceID},
		&db.FindOptions{Sort: []db.SortField{{Key: "started_at", Desc: true}}, Limit: int64(limit)},
	)
	if err != nil {
		return 0, err
	}

	failures := 0
	for _, doc := range docs {
		if fmt.Sprint(doc["status"]) == RunFailed {
			failures++
			continue
		}
		break
	}
	return failures, nil
}

// fire builds the trigger, executes the rule's actions in order, updates
// the rule's trigger bookkeeping, and stores the trigger in history.
// Callers hold the rule's lock.
func (e *AlertEngine) fire(ctx context.Context, rule *AlertRule, metricData map[string]any, sourceID string) *AlertTrigger {
	now := e.clock()
	trigger := &AlertTrigger{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		SourceID:    sourceID,
		TriggeredAt: now,
		Severity:    string(rule.Severity),
		ConditionDetails: map[string]any{
			"condition": string(rule.Condition),
			"field":     rule.MetricField,
			"threshold": rule.Threshold,
			"actual":    metricData[rule.MetricField],
		},
	}

	for _, action := range rule.Actions {
		result := e.executeAction(ctx, action, rule, metricData, sourceID)
		trigger.ActionsTaken = append(trigger.ActionsTaken, string(action))
		if action == ActionNotify || action == ActionEscalate {
			trigger.NotificationSent = result != nil && result.Sent
			if result != nil {
				trigger.NotificationResult = map[string]any{
					"sent":     result.Sent,
					"channels": result.Channels,
					"error":    result.Error,
				}
			}
		}
	}

	rule.LastTriggered = &now
	rule.TriggerCount++
	ruleFilter := db.Document{"name": rule.Name}
	if oid, err := db.ParseIdRef(rule.ID); err == nil {
		ruleFilter = db.Document{"_id": oid}
	}
	if _, err := e.store.Collection(db.ColAlertRules).UpdateOne(ctx,
		ruleFilter,
		db.Document{"$set": db.Document{"last_triggered": now, "trigger_count": rule.TriggerCount}},
	); err != nil {
		common.Logger.Warnf("rule bookkeeping update failed: %v", err)
	}

	if id, err := e.store.Collection(db.ColAlertHistory).InsertOne(ctx, triggerToDoc(trigger)); err == nil {
		trigger.ID = id.Hex()
	} else {
		common.Logger.Errorf("trigger history insert failed: %v", err)
	}

	alertsTriggeredTotal.WithLabelValues(trigger.Severity).Inc()
	common.Logger.WithField("rule", rule.Name).
		WithField("source_id", sourceID).
		WithField("severity", trigger.Severity).
		Info("alert triggered")
	return trigger
}

func (e *AlertEngine) executeAction(ctx context.Context, action AlertAction, rule *AlertRule, metricData map[string]any, sourceID string) *notification.Result {
	switch action {
	case ActionNotify:
		return e.sendNotification(ctx, rule, metricData, sourceID, rule.Severity)

	case ActionLog:
		common.Logger.WithField("rule", rule.Name).
			WithField("source_id", sourceID).
			Warnf("alert action log: %v", metricData)
		return nil

	case ActionDisableSource:
		e.disableSource(ctx, sourceID)
		return nil

	case ActionEscalate:
		return e.sendNotification(ctx, rule, metricData, sourceID, notification.Escalate(rule.Severity))

	default:
		return nil
	}
}

func (e *AlertEngine) sendNotification(ctx context.Context, rule *AlertRule, metricData map[string]any, sourceID string, severity notification.Severity) *notification.Result {
	scope := sourceID
	if scope == "" {
		scope = "All Sources"
	}
	message := fmt.Sprintf(
		"Alert Rule Triggered: %s\n\nDescription: %s\n\nSource: %s\nCondition: %s\nField: %s\nThreshold: %v\nActual Value: %v\n\nPlease investigate and take appropriate action.",
		rule.Name, rule.Description, scope, rule.Condition, rule.MetricField, rule.Threshold, metricData[rule.MetricField],
	)

	result, err := e.notifier.Send(ctx, notification.Message{
		Title:    "Alert: " + rule.Name,
		Body:     message,
		Severity: severity,
		SourceID: sourceID,
		Metadata: map[string]any{
			"rule_name":    rule.Name,
			"condition":    string(rule.Condition),
			"field":        rule.MetricField,
			"threshold":    rule.Threshold,
			"actual_value": metricData[rule.MetricField],
		},
	})
	if err != nil {
		// Notifier rejection is recorded on the trigger, never fatal.
		common.Logger.Warnf("alert notification failed: %v", err)
	}
	return result
}

func (e *AlertEngine) disableSource(ctx context.Context, sourceID string) {
	if sourceID == "" {
		return
	}
	oid, err := db.ParseIdRef(sourceID)
	if err != nil {
		return
	}
	if _, err := e.store.Collection(db.ColSources).UpdateOne(ctx,
		db.Document{"_id": oid},
		db.Document{"$set": db.Document{"status": "disabled", "disabled_at": e.clock()}},
	); err != nil {
		common.Logger.Errorf("disable source failed: %v", err)
	}
}

// ---------- Cache ----------

func (e *AlertEngine) applicableRules(ctx context.Context, sourceID string) ([]*AlertRule, error) {
	if err := e.refreshCacheIfNeeded(ctx); err != nil {
		return nil, err
	}

	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()

	var out []*AlertRule
	for _, rule := range e.rulesCache {
		if !rule.Enabled {
			continue
		}
		if rule.SourceID == "" || rule.SourceID == sourceID {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (e *AlertEngine) refreshCacheIfNeeded(ctx context.Context) error {
	e.cacheMu.RLock()
	stale := e.lastRefresh.IsZero() || e.clock().Sub(e.lastRefresh) > cacheTTL
	e.cacheMu.RUnlock()
	if !stale {
		return nil
	}
	return e.refreshCache(ctx)
}

func (e *AlertEngine) refreshCache(ctx context.Context) error {
	docs, err := e.store.Collection(db.ColAlertRules).Find(ctx, db.Document{"enabled": true}, nil)
	if err != nil {
		return err
	}

	fresh := map[string]*AlertRule{}
	for _, doc := range docs {
		rule := docToRule(doc)
		fresh[rule.ID] = rule
	}

	e.cacheMu.Lock()
	e.rulesCache = fresh
	e.lastRefresh = e.clock()
	e.cacheMu.Unlock()

	common.Logger.WithField("rule_count", len(fresh)).Debug("alert rules cache refreshed")
	return nil
}

func (e *AlertEngine) ruleLock(ruleID string) *sync.Mutex {
	e.ruleLocksMu.Lock()
	defer e.ruleLocksMu.Unlock()
	mu, ok := e.ruleLocks[ruleID]
	if !ok {
		mu = &sync.Mutex{}
		e.ruleLocks[ruleID] = mu
	}
	return mu
}

func (e *AlertEngine) inCooldown(rule *AlertRule) bool {
	if rule.LastTriggered == nil {
		return false
	}
	cooldownEnd := rule.LastTriggered.Add(time.Duration(rule.CooldownMinutes) * time.Minute)
	return e.clock().Before(cooldownEnd)
}

// ---------- History ----------

// AlertHistory lists recent triggers, newest first.
func (e *AlertEngine) AlertHistory(ctx context.Context, sourceID string, limit int64) ([]db.Document, error) {
	filter := db.Document{}
	if sourceID != "" {
		filter["source_id"] = sourceID
	}
	return e.store.Collection(db.ColAlertHistory).Find(ctx, filter, &db.FindOptions{
		Sort:  []db.SortField{{Key: "triggered_at", Desc: true}},
		Limit: limit,
	})
}

// Acknowledge marks a trigger acknowledged.
func (e *AlertEngine) Acknowledge(ctx context.Context, triggerID, who string) (bool, error) {
	oid, err := db.ParseIdRef(triggerID)
	if err != nil {
		return false, err
	}
	n, err := e.store.Collection(db.ColAlertHistory).UpdateOne(ctx,
		db.Document{"_id": oid},
		db.Document{"$set": db.Document{
			"acknowledged":    true,
			"acknowledged_at": e.clock(),
			"acknowledged_by": who,
		}},
	)
	return n > 0, err
}

// Resolve marks a trigger resolved.
func (e *AlertEngine) Resolve(ctx context.Context, triggerID, note string) (bool, error) {
	oid, err := db.ParseIdRef(triggerID)
	if err != nil {
		return false, err
	}
	update := db.Document{
		"resolved":    true,
		"resolved_at": e.clock(),
	}
	if note != "" {
		update["resolution_note"] = note
	}
	n, err := e.store.Collection(db.ColAlertHistory).UpdateOne(ctx,
		db.Document{"_id": oid}, db.Document{"$set": update})
	return n > 0, err
}

// ActiveAlertCounts counts unresolved triggers per severity.
func (e *AlertEngine) ActiveAlertCounts(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	for _, severity := range []notification.Severity{
		notification.SeverityInfo, notification.SeverityWarning,
		notification.SeverityError, notification.SeverityCritical,
	} {
		n, err := e.store.Collection(db.ColAlertHistory).Count(ctx, db.Document{
			"resolved": false,
			"severity": string(severity),
		})
		if err != nil {
			return nil, err
		}
		out[string(severity)] = n
	}
	return out, nil
}

// ---------- Serialization ----------

func ruleToDoc(rule *AlertRule) db.Document {
	actions := make([]any, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		actions = append(actions, string(action))
	}
	doc := db.Document{
		"name":              rule.Name,
		"description":       rule.Description,
		"metric_type":       rule.MetricType,
		"condition":         string(rule.Condition),
		"metric_field":      rule.MetricField,
		"threshold":         rule.Threshold,
		"window_minutes":    rule.WindowMinutes,
		"consecutive_count": rule.ConsecutiveCount,
		"severity":          string(rule.Severity),
		"actions":           actions,
		"cooldown_minutes":  rule.CooldownMinutes,
		"enabled":           rule.Enabled,
		"trigger_count":     rule.TriggerCount,
		"created_at":        rule.CreatedAt,
	}
	if rule.SourceID != "" {
		doc["source_id"] = rule.SourceID
	}
	if rule.LastTriggered != nil {
		doc["last_triggered"] = *rule.LastTriggered
	}
	if len(rule.Tags) > 0 {
		doc["tags"] = rule.Tags
	}
	if rule.CreatedBy != "" {
		doc["created_by"] = rule.CreatedBy
	}
	return doc
}

func docToRule(doc db.Document) *AlertRule {
	rule := &AlertRule{
		Name:             fmt.Sprint(doc["name"]),
		Description:      strField(doc, "description"),
		SourceID:         strField(doc, "source_id"),
		MetricType:       strField(doc, "metric_type"),
		Condition:        AlertCondition(strField(doc, "condition")),
		MetricField:      strField(doc, "metric_field"),
		Threshold:        floatVal(doc["threshold"]),
		WindowMinutes:    intVal(doc["window_minutes"]),
		ConsecutiveCount: intVal(doc["consecutive_count"]),
		Severity:         notification.Severity(strField(doc, "severity")),
		CooldownMinutes:  intVal(doc["cooldown_minutes"]),
		TriggerCount:     intVal(doc["trigger_count"]),
		CreatedBy:        strField(doc, "created_by"),
	}
	if id, ok := doc["_id"].(db.IdRef); ok {
		rule.ID = id.Hex()
	}
	if enabled, ok := doc["enabled"].(bool); ok {
		rule.Enabled = enabled
	}
	if t, ok := doc["created_at"].(time.Time); ok {
		rule.CreatedAt = t
	}
	if t, ok := doc["last_triggered"].(time.Time); ok {
		rule.LastTriggered = &t
	}
	switch actions := doc["actions"].(type) {
	case []any:
		for _, action := range actions {
			rule.Actions = append(rule.Actions, AlertAction(fmt.Sprint(action)))
		}
	case []string:
		for _, action := range actions {
			rule.Actions = append(rule.Actions, AlertAction(action))
		}
	}
	switch tags := doc["tags"].(type) {
	case []any:
		for _, tag := range tags {
			rule.Tags = append(rule.Tags, fmt.Sprint(tag))
		}
	case []string:
		rule.Tags = tags
	}
	return rule
}

func triggerToDoc(trigger *AlertTrigger) db.Document {
	doc := db.Document{
		"rule_id":           trigger.RuleID,
		"rule_name":         trigger.RuleName,
		"triggered_at":      trigger.TriggeredAt,
		"severity":          trigger.Severity,
		"condition_details": db.Document(trigger.ConditionDetails),
		"actions_taken":     trigger.ActionsTaken,
		"notification_sent": trigger.NotificationSent,
		"acknowledged":      trigger.Acknowledged,
		"resolved":          trigger.Resolved,
	}
	if trigger.SourceID != "" {
		doc["source_id"] = trigger.SourceID
	}
	if trigger.NotificationResult != nil {
		doc["notification_result"] = db.Document(trigger.NotificationResult)
	}
	return doc
}

func strField(doc db.Document, key string) string {
	s, _ := doc[key].(string)
	return s
}
