package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/common"
)

// TestSchema_FingerprintStability survives cloning and ignores metadata.
func TestSchema_FingerprintStability(t *testing.T) {
	s := &Schema{
		Fields: []FieldSchema{
			{Name: "title", Type: TypeString, Required: true, Nullable: true},
			{Name: "price", Type: TypeFloat, Nullable: true, MinValue: floatPtr(0)},
		},
		Description: "quotes",
		Metadata:    map[string]any{"origin": "detector"},
	}

	fp := s.Fingerprint()
	assert.Len(t, fp, 16)

	clone := s.Clone()
	assert.Equal(t, fp, clone.Fingerprint(), "fingerprint is stable across clone")

	clone.Metadata = map[string]any{"origin": "something-else", "extra": 1}
	assert.Equal(t, fp, clone.Fingerprint(), "metadata is excluded from the fingerprint")

	clone.Fields[0].Required = false
	assert.NotEqual(t, fp, clone.Fingerprint(), "content changes alter the fingerprint")
}

// TestSchema_FingerprintOrderSensitive preserves field insertion order.
func TestSchema_FingerprintOrderSensitive(t *testing.T) {
	a := schemaWith(
		FieldSchema{Name: "x", Type: TypeString, Nullable: true},
		FieldSchema{Name: "y", Type: TypeString, Nullable: true},
	)
	b := schemaWith(
		FieldSchema{Name: "y", Type: TypeString, Nullable: true},
		FieldSchema{Name: "x", Type: TypeString, Nullable: true},
	)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

// TestSchema_AddRemoveField enforces name uniqueness.
func TestSchema_AddRemoveField(t *testing.T) {
	s := schemaWith(FieldSchema{Name: "a", Type: TypeString, Nullable: true})

	require.NoError(t, s.AddField(FieldSchema{Name: "b", Type: TypeInteger, Nullable: true}))

	err := s.AddField(FieldSchema{Name: "a", Type: TypeFloat, Nullable: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDuplicateField)

	assert.True(t, s.RemoveField("a"))
	assert.False(t, s.RemoveField("a"))
	assert.Nil(t, s.GetField("a"))
	assert.NotNil(t, s.GetField("b"))
}

// TestSchema_CloneIsDeep mutating a clone leaves the original intact.
func TestSchema_CloneIsDeep(t *testing.T) {
	s := schemaWith(FieldSchema{Name: "a", Type: TypeString, Nullable: true})
	clone := s.Clone()
	clone.Fields[0].Name = "renamed"
	assert.Equal(t, "a", s.Fields[0].Name)
}

// TestDefaultSchema returns copies keyed by category.
func TestDefaultSchema(t *testing.T) {
	news := DefaultSchema(CategoryNewsArticle)
	require.NotNil(t, news.GetField("title"))
	assert.True(t, news.GetField("title").Required)
	assert.Equal(t, "news_articles", news.CollectionName)

	news.Fields[0].Name = "mutated"
	fresh := DefaultSchema(CategoryNewsArticle)
	assert.Equal(t, "title", fresh.Fields[0].Name, "defaults are returned as copies")

	generic := DefaultSchema(DataCategory("does-not-exist"))
	assert.Equal(t, CategoryGeneric, generic.DataCategory)
}

// TestTypeOf maps dynamic values to field types.
func TestTypeOf(t *testing.T) {
	tests := []struct {
		value any
		want  FieldType
	}{
		{nil, TypeAny},
		{true, TypeBoolean},
		{42, TypeInteger},
		{int64(42), TypeInteger},
		{3.14, TypeFloat},
		{"hello", TypeString},
		{[]any{1}, TypeArray},
		{map[string]any{}, TypeObject},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeOf(tt.value), "value %v", tt.value)
	}
}
