package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Anchored date/datetime patterns with format hints.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`),
	regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`),
	regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`),
	regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`),
	regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}$`),
	regexp.MustCompile(`^\d{4}년\s*\d{1,2}월\s*\d{1,2}일$`),
}

var datetimePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`),
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+`),
}

// specialPatterns classify string values beyond their base type.
var specialPatterns = map[string]*regexp.Regexp{
	"email":         regexp.MustCompile(`(?i)^[\w.-]+@[\w.-]+\.\w+$`),
	"url":           regexp.MustCompile(`(?i)^https?://[\w.-]+`),
	"phone_kr":      regexp.MustCompile(`^0\d{1,2}-\d{3,4}-\d{4}$`),
	"phone_intl":    regexp.MustCompile(`^\+\d{1,3}[\s-]?\d{1,4}[\s-]?\d{1,4}[\s-]?\d{1,4}$`),
	"uuid":          regexp.MustCompile(`(?i)^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`),
	"ip_address":    regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`),
	"korean_name":   regexp.MustCompile(`^[가-힣]{2,5}$`),
	"stock_code_kr": regexp.MustCompile(`^\d{6}$`),
	"currency_code": regexp.MustCompile(`^[A-Z]{3}$`),
}

const uniqueValueCap = 10000

// FieldStats accumulates per-field observations over a sample.
type FieldStats struct {
	Name             string
	TotalCount       int
	NullCount        int
	EmptyCount       int
	TypeCounts       map[string]int
	UniqueValues     map[string]struct{}
	MinLength        int
	MaxLength        int
	MinValue         *float64
	MaxValue         *float64
	SampleValues     []any
	DetectedPatterns map[string]int
}

func newFieldStats(name string) *FieldStats {
	return &FieldStats{
		Name:             name,
		TypeCounts:       map[string]int{},
		UniqueValues:     map[string]struct{}{},
		DetectedPatterns: map[string]int{},
		MinLength:        -1,
	}
}

// NullRate is null_count / total_count.
func (s *FieldStats) NullRate() float64 {
	if s.TotalCount == 0 {
		return 0
	}
	return float64(s.NullCount) / float64(s.TotalCount)
}

// UniqueRate is distinct values over non-empty observations.
func (s *FieldStats) UniqueRate() float64 {
	nonNull := s.TotalCount - s.NullCount - s.EmptyCount
	if nonNull <= 0 {
		return 0
	}
	return float64(len(s.UniqueValues)) / float64(nonNull)
}

// DominantType is the most frequently observed type.
func (s *FieldStats) DominantType() string {
	if len(s.TypeCounts) == 0 {
		return "string"
	}
	best, bestCount := "string", -1
	// Iterate sorted for deterministic ties.
	keys := make([]string, 0, len(s.TypeCounts))
	for k := range s.TypeCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s.TypeCounts[k] > bestCount {
			best, bestCount = k, s.TypeCounts[k]
		}
	}
	return best
}

// IsLikelyID flags near-unique, near-non-null fields.
func (s *FieldStats) IsLikelyID() bool {
	return s.UniqueRate() > 0.95 && s.NullRate() < 0.01
}

// Detector infers a Schema from sampled records.
type Detector struct {
	SampleSize        int
	RequiredThreshold float64
	UniqueThreshold   float64
	TypeThreshold     float64
}

// NewDetector creates a detector with the production defaults.
func NewDetector() *Detector {
	return &Detector{
		SampleSize:        1000,
		RequiredThreshold: 0.95,
		UniqueThreshold:   0.99,
		TypeThreshold:     0.8,
	}
}

// FieldHint carries source-declared metadata that overrides inference.
type FieldHint struct {
	Name        string
	DataType    string
	Required    *bool
	Description string
}

// DetectFromData infers a schema from records, honoring optional field
// hints and a category hint. Meta fields (leading underscore) are
// skipped; fields are emitted in name order.
func (d *Detector) DetectFromData(data []map[string]any, hints []FieldHint, category DataCategory) *Schema {
	if len(data) == 0 {
		return &Schema{DataCategory: category}
	}

	sample := data
	if len(sample) > d.SampleSize {
		sample = sample[:d.SampleSize]
	}

	stats := d.collectStats(sample)

	hintMap := map[string]FieldHint{}
	for _, h := range hints {
		hintMap[h.Name] = h
	}

	var fields []FieldSchema
	for name, fs := range stats {
		if strings.HasPrefix(name, "_") {
			continue
		}
		hint := hintMap[name]
		fields = append(fields, d.statsToField(fs, hint))
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	return &Schema{
		Fields:       fields,
		DataCategory: category,
		Metadata: map[string]any{
			"sample_size":      len(sample),
			"total_records":    len(data),
			"detection_method": "statistical",
		},
	}
}

// DetectCategory infers the data category from the first record's field
// set; the best indicator overlap of at least 0.3 wins.
func (d *Detector) DetectCategory(data []map[string]any) DataCategory {
	if len(data) == 0 {
		return ""
	}

	fields := map[string]struct{}{}
	for name := range data[0] {
		fields[name] = struct{}{}
	}

	indicators := map[DataCategory][]string{
		CategoryNewsArticle:   {"title", "content", "published_at", "summary"},
		CategoryStockPrice:    {"stock_code", "price", "volume", "high", "low"},
		CategoryExchangeRate:  {"currency_code", "base_rate", "buy_rate", "sell_rate"},
		CategoryMarketIndex:   {"index_code", "value", "change_rate"},
		CategoryAnnouncement:  {"announcement_type", "company_name", "stock_code"},
		CategoryFinancialData: {"price", "change", "volume", "change_rate"},
	}

	var best DataCategory
	bestScore := 0.0
	// Sorted iteration keeps ties deterministic.
	cats := make([]string, 0, len(indicators))
	for c := range indicators {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)

	for _, cs := range cats {
		cat := DataCategory(cs)
		hits := 0
		for _, ind := range indicators[cat] {
			if _, ok := fields[ind]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(indicators[cat]))
		if score > bestScore {
			bestScore = score
			best = cat
		}
	}

	if bestScore >= 0.3 {
		return best
	}
	return CategoryGeneric
}

// AnalyzeField computes statistics for a single field's values.
func (d *Detector) AnalyzeField(name string, values []any) *FieldStats {
	stats := newFieldStats(name)
	for _, v := range values {
		stats.TotalCount++
		d.analyzeValue(v, stats)
	}
	return stats
}

// CompareSchemas diffs an expected schema against a detected one.
func (d *Detector) CompareSchemas(expected, actual *Schema) map[string]any {
	expectedFields := fieldMap(expected)
	actualFields := fieldMap(actual)

	var matched, missing, extra []string
	var typeMismatches []map[string]string

	for name := range expectedFields {
		if _, ok := actualFields[name]; ok {
			matched = append(matched, name)
			if expectedFields[name].Type != actualFields[name].Type {
				typeMismatches = append(typeMismatches, map[string]string{
					"field":    name,
					"expected": string(expectedFields[name].Type),
					"actual":   string(actualFields[name].Type),
				})
			}
		} else {
			missing = append(missing, name)
		}
	}
	for name := range actualFields {
		if _, ok := expectedFields[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(matched)
	sort.Strings(missing)
	sort.Strings(extra)

	matchRate := 1.0
	if len(expectedFields) > 0 {
		matchRate = float64(len(matched)) / float64(len(expectedFields))
	}

	return map[string]any{
		"matched_fields":  matched,
		"missing_fields":  missing,
		"extra_fields":    extra,
		"type_mismatches": typeMismatches,
		"match_rate":      matchRate,
	}
}

func (d *Detector) collectStats(data []map[string]any) map[string]*FieldStats {
	stats := map[string]*FieldStats{}
	for _, record := range data {
		for name, value := range record {
			fs, ok := stats[name]
			if !ok {
				fs = newFieldStats(name)
				stats[name] = fs
			}
			fs.TotalCount++
			d.analyzeValue(value, fs)
		}
	}
	return stats
}

func (d *Detector) analyzeValue(value any, stats *FieldStats) {
	if value == nil {
		stats.NullCount++
		return
	}

	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		stats.EmptyCount++
		return
	}

	detected := d.detectType(value)
	stats.TypeCounts[detected]++

	if s, ok := value.(string); ok {
		if stats.MinLength < 0 || len(s) < stats.MinLength {
			stats.MinLength = len(s)
		}
		if len(s) > stats.MaxLength {
			stats.MaxLength = len(s)
		}
		for name, pattern := range specialPatterns {
			if pattern.MatchString(s) {
				stats.DetectedPatterns[name]++
			}
		}
	}

	if n, ok := numericValue(value); ok {
		if stats.MinValue == nil || n < *stats.MinValue {
			stats.MinValue = floatPtr(n)
		}
		if stats.MaxValue == nil || n > *stats.MaxValue {
			stats.MaxValue = floatPtr(n)
		}
	}

	if len(stats.UniqueValues) < uniqueValueCap {
		key := fmt.Sprint(value)
		if len(key) > 100 {
			key = key[:100]
		}
		stats.UniqueValues[key] = struct{}{}
	}

	if len(stats.SampleValues) < 10 {
		stats.SampleValues = append(stats.SampleValues, value)
	}
}

// detectType classifies one value, sub-classifying strings by the
// datetime/date/numeric/boolean rules.
func (d *Detector) detectType(value any) string {
	switch v := value.(type) {
	case bool:
		return "boolean"
	case int, int32, int64:
		return "integer"
	case float32, float64:
		return "float"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time:
		return "datetime"
	case string:
		s := strings.TrimSpace(v)
		if isDatetimeString(s) {
			return "datetime"
		}
		if isDateString(s) {
			return "date"
		}
		if isIntegerString(s) {
			return "integer"
		}
		if isFloatString(s) {
			return "float"
		}
		switch strings.ToLower(s) {
		case "true", "false", "yes", "no", "1", "0":
			return "boolean"
		}
		return "string"
	default:
		return "any"
	}
}

// isIntegerString rejects decimal points and exponent notation even when
// the value would parse as a float.
func isIntegerString(s string) bool {
	if strings.Contains(s, ".") || strings.ContainsAny(s, "eE") {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func isFloatString(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func isDateString(s string) bool {
	for _, p := range datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func isDatetimeString(s string) bool {
	for _, p := range datetimePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// statsToField promotes accumulated statistics to a FieldSchema.
func (d *Detector) statsToField(stats *FieldStats, hint FieldHint) FieldSchema {
	fieldType := d.determineType(stats, hint.DataType)

	required := 1-stats.NullRate() >= d.RequiredThreshold
	if hint.Required != nil {
		required = *hint.Required
	}

	pattern := ""
	if len(stats.DetectedPatterns) > 0 {
		dominant, count := dominantPattern(stats.DetectedPatterns)
		if float64(count) > float64(stats.TotalCount)*0.8 {
			pattern = specialPatterns[dominant].String()
		}
	}

	description := hint.Description
	if description == "" && len(stats.DetectedPatterns) > 0 {
		dominant, _ := dominantPattern(stats.DetectedPatterns)
		description = "Detected pattern: " + dominant
	}

	field := FieldSchema{
		Name:        stats.Name,
		Type:        fieldType,
		Required:    required,
		Nullable:    stats.NullCount > 0,
		Pattern:     pattern,
		Description: description,
	}

	if fieldType == TypeInteger || fieldType == TypeFloat {
		field.MinValue = stats.MinValue
		field.MaxValue = stats.MaxValue
	}
	if fieldType == TypeString {
		if stats.MinLength >= 0 {
			field.MinLength = intPtr(stats.MinLength)
		}
		if stats.MaxLength > 0 {
			field.MaxLength = intPtr(stats.MaxLength)
		}
	}

	samples := stats.SampleValues
	if len(samples) > 3 {
		samples = samples[:3]
	}
	field.Examples = samples

	return field
}

func dominantPattern(patterns map[string]int) (string, int) {
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestCount := "", -1
	for _, k := range keys {
		if patterns[k] > bestCount {
			best, bestCount = k, patterns[k]
		}
	}
	return best, bestCount
}

// determineType maps the dominant observed type (or the hint) to a
// FieldType.
func (d *Detector) determineType(stats *FieldStats, hintType string) FieldType {
	if hintType != "" {
		switch strings.ToLower(hintType) {
		case "string":
			return TypeString
		case "integer", "int":
			return TypeInteger
		case "number", "float":
			return TypeFloat
		case "boolean", "bool":
			return TypeBoolean
		case "date":
			return TypeDate
		case "datetime":
			return TypeDatetime
		case "array", "list":
			return TypeArray
		case "object", "dict":
			return TypeObject
		}
	}

	switch stats.DominantType() {
	case "integer":
		return TypeInteger
	case "float":
		return TypeFloat
	case "boolean":
		return TypeBoolean
	case "date":
		return TypeDate
	case "datetime":
		return TypeDatetime
	case "array":
		return TypeArray
	case "object":
		return TypeObject
	default:
		return TypeString
	}
}
