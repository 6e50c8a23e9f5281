package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDetector_ValueTyping covers the per-value classification rules,
// including string sub-classification.
func TestDetector_ValueTyping(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		value any
		want  string
	}{
		{true, "boolean"},
		{7, "integer"},
		{7.5, "float"},
		{[]any{1}, "array"},
		{map[string]any{"k": 1}, "object"},
		{"2024-03-01", "date"},
		{"2024/03/01", "date"},
		{"2024년 3월 1일", "date"},
		{"2024-03-01T10:00:00", "datetime"},
		{"2024-03-01 10:00:00", "datetime"},
		{"12345", "integer"},
		{"-42", "integer"},
		{"3.14", "float"},
		{"1e5", "float"}, // 'e' blocks the integer path
		{"true", "boolean"},
		{"no", "boolean"},
		{"plain text", "string"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.value), func(t *testing.T) {
			assert.Equal(t, tt.want, d.detectType(tt.value))
		})
	}
}

// TestIsIntegerString preserves the exponent rejection asymmetry.
func TestIsIntegerString(t *testing.T) {
	assert.True(t, isIntegerString("42"))
	assert.True(t, isIntegerString("-7"))
	assert.False(t, isIntegerString("4.2"))
	assert.False(t, isIntegerString("1e3"), "exponent notation is never an integer string")
	assert.False(t, isIntegerString("1E3"))
	assert.False(t, isIntegerString("abc"))
	assert.True(t, isFloatString("1e3"), "but it is a valid float string")
}

// TestDetector_DetectFromData infers types, requiredness, nullability,
// and skips meta fields.
func TestDetector_DetectFromData(t *testing.T) {
	var records []map[string]any
	for i := 0; i < 100; i++ {
		record := map[string]any{
			"title":    fmt.Sprintf("article %d", i),
			"views":    i,
			"score":    float64(i) / 10,
			"_id":      fmt.Sprintf("meta-%d", i),
			"_crawled": true,
		}
		if i%2 == 0 {
			record["author"] = "someone"
		} else {
			record["author"] = nil
		}
		records = append(records, record)
	}

	s := NewDetector().DetectFromData(records, nil, CategoryNewsArticle)
	require.NotNil(t, s)
	assert.Equal(t, CategoryNewsArticle, s.DataCategory)

	assert.Nil(t, s.GetField("_id"), "meta fields are skipped")
	assert.Nil(t, s.GetField("_crawled"))

	title := s.GetField("title")
	require.NotNil(t, title)
	assert.Equal(t, TypeString, title.Type)
	assert.True(t, title.Required, "always-present field crosses the 0.95 threshold")
	assert.False(t, title.Nullable)
	require.NotNil(t, title.MinLength)
	assert.NotEmpty(t, title.Examples)
	assert.LessOrEqual(t, len(title.Examples), 3)

	views := s.GetField("views")
	require.NotNil(t, views)
	assert.Equal(t, TypeInteger, views.Type)
	require.NotNil(t, views.MinValue)
	assert.Equal(t, 0.0, *views.MinValue)
	require.NotNil(t, views.MaxValue)
	assert.Equal(t, 99.0, *views.MaxValue)

	author := s.GetField("author")
	require.NotNil(t, author)
	assert.False(t, author.Required, "50% null rate is far below the threshold")
	assert.True(t, author.Nullable)

	// Fields come out in name order.
	for i := 1; i < len(s.Fields); i++ {
		assert.Less(t, s.Fields[i-1].Name, s.Fields[i].Name)
	}
}

// TestDetector_PatternPromotion promotes a dominant special pattern.
func TestDetector_PatternPromotion(t *testing.T) {
	var records []map[string]any
	for i := 0; i < 20; i++ {
		records = append(records, map[string]any{
			"contact": fmt.Sprintf("user%d@example.com", i),
		})
	}

	s := NewDetector().DetectFromData(records, nil, "")
	contact := s.GetField("contact")
	require.NotNil(t, contact)
	assert.Equal(t, specialPatterns["email"].String(), contact.Pattern)
	assert.Contains(t, contact.Description, "email")
}

// TestDetector_Hints override inferred type and requiredness.
func TestDetector_Hints(t *testing.T) {
	records := []map[string]any{
		{"code": "005930"},
		{"code": "000660"},
	}

	required := false
	s := NewDetector().DetectFromData(records, []FieldHint{
		{Name: "code", DataType: "string", Required: &required, Description: "ticker"},
	}, "")

	code := s.GetField("code")
	require.NotNil(t, code)
	assert.Equal(t, TypeString, code.Type, "hint overrides the numeric-string inference")
	assert.False(t, code.Required)
	assert.Equal(t, "ticker", code.Description)
}

// TestDetector_DetectCategory matches indicator sets at >= 0.3 overlap.
func TestDetector_DetectCategory(t *testing.T) {
	d := NewDetector()

	stock := []map[string]any{{"stock_code": "005930", "price": 1.0, "volume": 10, "high": 2.0, "low": 0.5}}
	assert.Equal(t, CategoryStockPrice, d.DetectCategory(stock))

	news := []map[string]any{{"title": "t", "content": "c", "published_at": "2024-01-01", "summary": "s"}}
	assert.Equal(t, CategoryNewsArticle, d.DetectCategory(news))

	unrelated := []map[string]any{{"alpha": 1, "beta": 2}}
	assert.Equal(t, CategoryGeneric, d.DetectCategory(unrelated))

	assert.Equal(t, DataCategory(""), d.DetectCategory(nil))
}

// TestDetector_SampleCap analyzes at most SampleSize records.
func TestDetector_SampleCap(t *testing.T) {
	d := NewDetector()
	d.SampleSize = 10

	var records []map[string]any
	for i := 0; i < 50; i++ {
		records = append(records, map[string]any{"n": i})
	}

	s := d.DetectFromData(records, nil, "")
	assert.Equal(t, 10, s.Metadata["sample_size"])
	assert.Equal(t, 50, s.Metadata["total_records"])
}

// TestDetector_CompareSchemas reports the field-set delta.
func TestDetector_CompareSchemas(t *testing.T) {
	expected := schemaWith(
		FieldSchema{Name: "a", Type: TypeString, Nullable: true},
		FieldSchema{Name: "b", Type: TypeInteger, Nullable: true},
	)
	actual := schemaWith(
		FieldSchema{Name: "a", Type: TypeFloat, Nullable: true},
		FieldSchema{Name: "c", Type: TypeString, Nullable: true},
	)

	diff := NewDetector().CompareSchemas(expected, actual)
	assert.Equal(t, []string{"a"}, diff["matched_fields"])
	assert.Equal(t, []string{"b"}, diff["missing_fields"])
	assert.Equal(t, []string{"c"}, diff["extra_fields"])
	assert.Equal(t, 0.5, diff["match_rate"])

	mismatches := diff["type_mismatches"].([]map[string]string)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "a", mismatches[0]["field"])
}

// TestFieldStats_Accumulators track bounds and rates.
func TestFieldStats_Accumulators(t *testing.T) {
	d := NewDetector()
	stats := d.AnalyzeField("f", []any{"aa", "bbbb", nil, "", "cc"})

	assert.Equal(t, 5, stats.TotalCount)
	assert.Equal(t, 1, stats.NullCount)
	assert.Equal(t, 1, stats.EmptyCount)
	assert.Equal(t, 2, stats.MinLength)
	assert.Equal(t, 4, stats.MaxLength)
	assert.Equal(t, "string", stats.DominantType())
	assert.InDelta(t, 0.2, stats.NullRate(), 1e-9)
	assert.InDelta(t, 1.0, stats.UniqueRate(), 1e-9)
}
