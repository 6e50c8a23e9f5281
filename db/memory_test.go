package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseIdRef validates the canonical 24-hex form.
func TestParseIdRef(t *testing.T) {
	id := NewIdRef()
	parsed, err := ParseIdRef(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, FormatIdRef(id), 24)

	for _, bad := range []string{"", "xyz", "123", "zzzzzzzzzzzzzzzzzzzzzzzz", id.Hex() + "00"} {
		_, err := ParseIdRef(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

// TestMemoryCollection_CRUD exercises the basic operations.
func TestMemoryCollection_CRUD(t *testing.T) {
	ctx := context.Background()
	col := NewMemoryDatabase("test").Collection("things")

	id, err := col.InsertOne(ctx, Document{"name": "alpha", "rank": 1})
	require.NoError(t, err)
	require.False(t, id.IsZero())

	_, err = col.InsertOne(ctx, Document{"name": "beta", "rank": 2})
	require.NoError(t, err)

	doc, err := col.FindOne(ctx, Document{"name": "alpha"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, id, doc["_id"])

	missing, err := col.FindOne(ctx, Document{"name": "gamma"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := col.UpdateOne(ctx, Document{"_id": id}, Document{"$set": Document{"rank": 10}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	doc, _ = col.FindOne(ctx, Document{"_id": id})
	assert.Equal(t, 10, doc["rank"])

	count, err := col.Count(ctx, Document{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	n, err = col.DeleteOne(ctx, Document{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, _ = col.Count(ctx, Document{})
	assert.Equal(t, int64(1), count)
}

// TestMemoryCollection_Operators covers the filter operator set.
func TestMemoryCollection_Operators(t *testing.T) {
	ctx := context.Background()
	col := NewMemoryDatabase("test").Collection("metrics")

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := col.InsertOne(ctx, Document{
			"n":       i,
			"status":  map[bool]string{true: "success", false: "failed"}[i%2 == 0],
			"started": base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter Document
		want   int
	}{
		{"gte", Document{"n": Document{"$gte": 3}}, 2},
		{"lt", Document{"n": Document{"$lt": 2}}, 2},
		{"ne", Document{"status": Document{"$ne": "failed"}}, 3},
		{"in", Document{"n": Document{"$in": []any{0, 4}}}, 2},
		{"exists_true", Document{"started": Document{"$exists": true}}, 5},
		{"exists_false", Document{"absent": Document{"$exists": false}}, 5},
		{"time_gte", Document{"started": Document{"$gte": base.Add(3 * time.Hour)}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := col.Find(ctx, tt.filter, nil)
			require.NoError(t, err)
			assert.Len(t, docs, tt.want)
		})
	}
}

// TestMemoryCollection_SortSkipLimit checks pagination ordering.
func TestMemoryCollection_SortSkipLimit(t *testing.T) {
	ctx := context.Background()
	col := NewMemoryDatabase("test").Collection("rows")

	for _, v := range []int{3, 1, 4, 1, 5} {
		_, err := col.InsertOne(ctx, Document{"v": v})
		require.NoError(t, err)
	}

	docs, err := col.Find(ctx, Document{}, &FindOptions{
		Sort:  []SortField{{Key: "v", Desc: true}},
		Skip:  1,
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 4, docs[0]["v"])
	assert.Equal(t, 3, docs[1]["v"])
}

// TestMemoryCollection_UpdateOperators covers $unset/$inc/$push.
func TestMemoryCollection_UpdateOperators(t *testing.T) {
	ctx := context.Background()
	col := NewMemoryDatabase("test").Collection("rows")

	id, err := col.InsertOne(ctx, Document{"a": 1, "b": "x"})
	require.NoError(t, err)

	_, err = col.UpdateOne(ctx, Document{"_id": id}, Document{
		"$inc":   Document{"a": 2},
		"$unset": Document{"b": ""},
		"$push":  Document{"log": "first"},
	})
	require.NoError(t, err)

	doc, _ := col.FindOne(ctx, Document{"_id": id})
	assert.Equal(t, float64(3), doc["a"])
	_, hasB := doc["b"]
	assert.False(t, hasB)
	assert.Equal(t, []any{"first"}, doc["log"])
}

// TestStoreService_SourceLifecycle walks create/get/update/delete with
// cascade.
func TestStoreService_SourceLifecycle(t *testing.T) {
	ctx := context.Background()
	database := NewMemoryDatabase("test")
	store := NewStoreService(database)

	id, err := store.CreateSource(ctx, &Source{Name: "news-site", URL: "https://news.example.com", Type: SourceHTML})
	require.NoError(t, err)

	_, err = store.CreateSource(ctx, &Source{Name: "news-site", URL: "https://other.example.com", Type: SourceHTML})
	require.Error(t, err, "duplicate name must be rejected")

	src, err := store.GetSource(ctx, id.Hex())
	require.NoError(t, err)
	assert.Equal(t, SourcePending, src.Status)

	crawler, err := store.CreateCrawler(ctx, id.Hex(), "extract()", "dag-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, crawler.Version)

	crawler2, err := store.CreateCrawler(ctx, id.Hex(), "extract_v2()", "dag-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, crawler2.Version)

	active, err := store.GetActiveCrawler(ctx, id.Hex())
	require.NoError(t, err)
	assert.Equal(t, crawler2.ID, active.ID, "only the newest crawler stays active")

	n, err := database.Collection(ColCrawlers).Count(ctx, Document{"source_id": id, "status": "active"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "at most one active crawler per source")

	src, _ = store.GetSource(ctx, id.Hex())
	assert.Equal(t, SourceActive, src.Status, "binding a crawler activates the source")

	ok, err := store.DeleteSource(ctx, id.Hex())
	require.NoError(t, err)
	assert.True(t, ok)

	for _, col := range []string{ColCrawlers, ColCrawlerHistory} {
		n, err := database.Collection(col).Count(ctx, Document{"source_id": id})
		require.NoError(t, err)
		assert.Zero(t, n, "cascade must clear %s", col)
	}

	_, err = store.GetSource(ctx, id.Hex())
	assert.Error(t, err)
}

// TestStoreService_InvalidIdentifier routes malformed ids to the client
// error, never a crash.
func TestStoreService_InvalidIdentifier(t *testing.T) {
	store := NewStoreService(NewMemoryDatabase("test"))
	_, err := store.GetSource(context.Background(), "not-an-id")
	require.Error(t, err)
}

// TestStoreService_HealthCheck never throws.
func TestStoreService_HealthCheck(t *testing.T) {
	store := NewStoreService(NewMemoryDatabase("test"))
	health := store.HealthCheck(context.Background())
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Database)
}

// TestDashboardStats_LegacyPath computes the counters without
// aggregation support and is idempotent on an unchanged store.
func TestDashboardStats_LegacyPath(t *testing.T) {
	ctx := context.Background()
	database := NewMemoryDatabase("test")
	store := NewStoreService(database)

	id, err := store.CreateSource(ctx, &Source{Name: "s1", URL: "https://a", Type: SourceHTML})
	require.NoError(t, err)
	_, err = store.CreateCrawler(ctx, id.Hex(), "code", "", "tester")
	require.NoError(t, err)

	_, err = store.RecordCrawlResult(ctx, &CrawlResult{SourceID: id, RunID: "r1", Status: "success", ExecutedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = store.RecordCrawlResult(ctx, &CrawlResult{SourceID: id, RunID: "r2", Status: "failed", ExecutedAt: time.Now().UTC()})
	require.NoError(t, err)

	stats, err := store.GetDashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Sources.Total)
	assert.Equal(t, int64(1), stats.Sources.Active)
	assert.Equal(t, int64(2), stats.Executions.Total24h)
	assert.Equal(t, int64(1), stats.Executions.Success24h)
	assert.Equal(t, int64(1), stats.Executions.Failed24h)

	again, err := store.GetDashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, again, "dashboard stats are idempotent on an unchanged store")
}

// TestErrorLog_ResolveOnce resolves a failure exactly once.
func TestErrorLog_ResolveOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStoreService(NewMemoryDatabase("test"))

	id, err := store.LogError(ctx, &ErrorLog{ErrorCode: "E500", Message: "selector missing"})
	require.NoError(t, err)

	ok, err := store.ResolveError(ctx, id.Hex(), "manual", "fixed selector")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ResolveError(ctx, id.Hex(), "manual", "again")
	require.NoError(t, err)
	assert.False(t, ok, "second resolution must be a no-op")
}
