package schema

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
)

func newTestRegistry(t *testing.T) (*Registry, db.Database) {
	t.Helper()
	store := db.NewMemoryDatabase("test")
	return NewRegistry(store), store
}

// TestRegistry_RegisterBackwardEvolution registers v1 then a compatible
// v2 and expects contiguous version numbers.
func TestRegistry_RegisterBackwardEvolution(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	v1Schema := schemaWith(
		FieldSchema{Name: "title", Type: TypeString, Required: true, Nullable: true},
		FieldSchema{Name: "content", Type: TypeString, Nullable: true},
	)
	v1, result, err := registry.Register(ctx, "src1", v1Schema, "tester", "initial", ModeBackward, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, result.IsCompatible)

	v2Schema := v1Schema.Clone()
	require.NoError(t, v2Schema.AddField(FieldSchema{Name: "author", Type: TypeString, Nullable: true}))

	v2, result, err := registry.Register(ctx, "src1", v2Schema, "tester", "add author", ModeBackward, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.True(t, result.IsCompatible)
	assert.Empty(t, result.Errors())

	versions, err := registry.Versions(ctx, "src1", false)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version, "versions form a contiguous 1..N sequence")
	}
}

// TestRegistry_IncompatibleRegistrationWritesNothing rejects the change
// and leaves the version history untouched.
func TestRegistry_IncompatibleRegistrationWritesNothing(t *testing.T) {
	ctx := context.Background()
	registry, store := newTestRegistry(t)

	v1Schema := schemaWith(
		FieldSchema{Name: "title", Type: TypeString, Required: true, Nullable: true},
		FieldSchema{Name: "content", Type: TypeString, Nullable: true},
	)
	_, _, err := registry.Register(ctx, "src1", v1Schema, "tester", "initial", ModeBackward, nil)
	require.NoError(t, err)

	badSchema := v1Schema.Clone()
	require.NoError(t, badSchema.AddField(FieldSchema{Name: "author", Type: TypeString, Required: true, Nullable: true}))

	_, result, err := registry.Register(ctx, "src1", badSchema, "tester", "bad", ModeBackward, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrSchemaIncompatible)
	require.NotEmpty(t, result.Errors())
	assert.Equal(t, "author", result.Errors()[0].FieldName)
	assert.Equal(t, "added_required_field", result.Errors()[0].IssueType)

	count, err := store.Collection(db.ColSchemaRegistry).Count(ctx, db.Document{"source_id": "src1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "no write occurs on incompatibility")
}

// TestRegistry_IdenticalContentDeduplicates returns the existing version
// for a matching fingerprint.
func TestRegistry_IdenticalContentDeduplicates(t *testing.T) {
	ctx := context.Background()
	registry, store := newTestRegistry(t)

	s := schemaWith(FieldSchema{Name: "title", Type: TypeString, Nullable: true})
	v1, _, err := registry.Register(ctx, "src1", s, "tester", "initial", ModeBackward, nil)
	require.NoError(t, err)

	again, result, err := registry.Register(ctx, "src1", s.Clone(), "tester", "same", ModeBackward, nil)
	require.NoError(t, err)
	assert.Equal(t, v1.Version, again.Version)
	assert.True(t, result.IsCompatible)
	assert.Empty(t, result.Issues)

	count, _ := store.Collection(db.ColSchemaRegistry).Count(ctx, db.Document{"source_id": "src1"})
	assert.Equal(t, int64(1), count)
}

// TestRegistry_GetAndDeprecate resolves the highest active version and
// falls back once everything is deprecated.
func TestRegistry_GetAndDeprecate(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	s1 := schemaWith(FieldSchema{Name: "a", Type: TypeString, Nullable: true})
	_, _, err := registry.Register(ctx, "src1", s1, "tester", "v1", ModeBackward, nil)
	require.NoError(t, err)

	s2 := s1.Clone()
	require.NoError(t, s2.AddField(FieldSchema{Name: "b", Type: TypeString, Nullable: true}))
	_, _, err = registry.Register(ctx, "src1", s2, "tester", "v2", ModeBackward, nil)
	require.NoError(t, err)

	latest, err := registry.Get(ctx, "src1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	explicit, err := registry.Get(ctx, "src1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, explicit.Version)

	ok, err := registry.Deprecate(ctx, "src1", 2, "rolled back")
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err = registry.Get(ctx, "src1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version, "highest active version wins")

	// Registering after deprecation still climbs past the deprecated
	// version number.
	s3 := s1.Clone()
	require.NoError(t, s3.AddField(FieldSchema{Name: "c", Type: TypeString, Nullable: true}))
	v3, _, err := registry.Register(ctx, "src1", s3, "tester", "v3", ModeBackward, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version, "next version climbs past the deprecated one")
}

// TestRegistry_ConcurrentRegistrations serialize per source.
func TestRegistry_ConcurrentRegistrations(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := schemaWith(FieldSchema{Name: fmt.Sprintf("f%d", i), Type: TypeString, Nullable: true})
			_, _, _ = registry.Register(ctx, "src1", s, "tester", "concurrent", ModeNone, nil)
		}(i)
	}
	wg.Wait()

	versions, err := registry.Versions(ctx, "src1", true)
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, v := range versions {
		assert.False(t, seen[v.Version], "version %d assigned twice", v.Version)
		seen[v.Version] = true
	}
	for i := 1; i <= len(versions); i++ {
		assert.True(t, seen[i], "version sequence has a gap at %d", i)
	}
}

// TestRegistry_DetectDrift surfaces the live-sample delta under FULL.
func TestRegistry_DetectDrift(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	s := schemaWith(
		FieldSchema{Name: "title", Type: TypeString, Required: true, Nullable: false},
		FieldSchema{Name: "views", Type: TypeInteger, Nullable: true},
	)
	_, _, err := registry.Register(ctx, "src1", s, "tester", "v1", ModeBackward, nil)
	require.NoError(t, err)

	var sample []map[string]any
	for i := 0; i < 20; i++ {
		sample = append(sample, map[string]any{
			"title":    fmt.Sprintf("t%d", i),
			"surprise": i, // field not in the registered schema
		})
	}

	result, err := registry.DetectDrift(ctx, "src1", sample)
	require.NoError(t, err)
	assert.False(t, result.IsCompatible, "a dropped field breaks the FULL check")

	types := map[string]bool{}
	for _, issue := range result.Issues {
		types[issue.IssueType] = true
	}
	assert.True(t, types["removed_field"], "views vanished from the live data")

	// No registered schema yields the advisory warning only.
	warn, err := registry.DetectDrift(ctx, "unregistered", sample)
	require.NoError(t, err)
	assert.True(t, warn.IsCompatible)
	require.Len(t, warn.Issues, 1)
	assert.Equal(t, "no_schema", warn.Issues[0].IssueType)
}

// TestRegistry_Compare reports the field diff between versions.
func TestRegistry_Compare(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	s1 := schemaWith(
		FieldSchema{Name: "a", Type: TypeString, Nullable: true},
		FieldSchema{Name: "b", Type: TypeInteger, Nullable: true},
	)
	_, _, err := registry.Register(ctx, "src1", s1, "tester", "v1", ModeBackward, nil)
	require.NoError(t, err)

	s2 := schemaWith(
		FieldSchema{Name: "a", Type: TypeFloat, Nullable: true},
		FieldSchema{Name: "c", Type: TypeString, Nullable: true},
	)
	_, _, err = registry.Register(ctx, "src1", s2, "tester", "v2", ModeNone, nil)
	require.NoError(t, err)

	diff, err := registry.Compare(ctx, "src1", 1, 2)
	require.NoError(t, err)

	changes := diff["changes"].(map[string]any)
	assert.Equal(t, []string{"c"}, changes["added_fields"])
	assert.Equal(t, []string{"b"}, changes["removed_fields"])

	modified := changes["modified_fields"].([]map[string]any)
	require.Len(t, modified, 1)
	assert.Equal(t, "a", modified[0]["field"])
}

// TestRegistry_ExportImport round-trips a schema between sources.
func TestRegistry_ExportImport(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	s := schemaWith(FieldSchema{Name: "title", Type: TypeString, Required: true, Nullable: true})
	_, _, err := registry.Register(ctx, "src1", s, "tester", "v1", ModeBackward, nil)
	require.NoError(t, err)

	exported, err := registry.Export(ctx, "src1", 0)
	require.NoError(t, err)
	require.NotNil(t, exported)

	imported, _, err := registry.Import(ctx, "src2", exported, "importer")
	require.NoError(t, err)
	assert.Equal(t, 1, imported.Version)
	assert.Equal(t, s.Fingerprint(), imported.Fingerprint, "content survives the round trip")
}

// TestRegistry_TransitiveMode validates against every prior active
// version.
func TestRegistry_TransitiveMode(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	// v1 has field "a"; v2 widens the set with "b" under plain BACKWARD.
	s1 := schemaWith(FieldSchema{Name: "a", Type: TypeInteger, Nullable: true})
	_, _, err := registry.Register(ctx, "src1", s1, "tester", "v1", ModeBackward, nil)
	require.NoError(t, err)

	s2 := schemaWith(
		FieldSchema{Name: "a", Type: TypeFloat, Nullable: true}, // widening vs v1
		FieldSchema{Name: "b", Type: TypeString, Nullable: true},
	)
	_, _, err = registry.Register(ctx, "src1", s2, "tester", "v2", ModeBackward, nil)
	require.NoError(t, err)

	// Narrowing back to integer is fine against v1 but narrows against
	// v2, so transitive BACKWARD rejects it.
	s3 := schemaWith(
		FieldSchema{Name: "a", Type: TypeInteger, Nullable: true},
		FieldSchema{Name: "b", Type: TypeString, Nullable: true},
	)
	_, _, err = registry.Register(ctx, "src1", s3, "tester", "v3", ModeBackwardTransitive, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrSchemaIncompatible)
}
