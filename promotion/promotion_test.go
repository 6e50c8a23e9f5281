package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/db"
)

func seedSource(t *testing.T, store db.Database, name, url string) db.IdRef {
	t.Helper()
	id, err := store.Collection(db.ColSources).InsertOne(context.Background(), db.Document{
		"name": name, "url": url, "status": "active",
	})
	require.NoError(t, err)
	return id
}

// TestDetermineType picks the collection type from name/url heuristics.
func TestDetermineType(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	svc := NewService(store)

	tests := []struct {
		name, url, want string
	}{
		{"Daily News Crawler", "https://news.example.com", "news"},
		{"KOSPI Stock Feed", "https://finance.example.com", "financial"},
		{"Corporate Disclosure", "https://dart.example.com", "announcement"},
		{"Weather Data", "https://weather.example.com", "generic"},
	}
	for _, tt := range tests {
		id := seedSource(t, store, tt.name, tt.url)
		assert.Equal(t, tt.want, svc.DetermineType(ctx, id), tt.name)
	}

	assert.Equal(t, "generic", svc.DetermineType(ctx, db.NewIdRef()), "unknown source falls back to generic")
}

// TestPromote_HappyPath covers staging → production with metadata,
// staging flagging, and the lineage row.
func TestPromote_HappyPath(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	svc := NewService(store)

	sourceID := seedSource(t, store, "Daily News", "https://news.example.com")
	crawlResultID := db.NewIdRef()

	stagingID, err := svc.SaveToStaging(ctx, map[string]any{"title": "T"}, sourceID, crawlResultID, 0, "")
	require.NoError(t, err)

	stagingDoc, err := store.Collection("staging_news").FindOne(ctx, db.Document{"_id": stagingID})
	require.NoError(t, err)
	require.NotNil(t, stagingDoc)
	assert.Equal(t, "pending", stagingDoc["_review_status"])
	assert.Equal(t, 0, stagingDoc["_record_index"])

	ok, productionID, msg := svc.Promote(ctx, stagingID, "reviewer-X", nil)
	require.True(t, ok, msg)

	production, err := store.Collection("news_articles").FindOne(ctx, db.Document{"_id": productionID})
	require.NoError(t, err)
	require.NotNil(t, production)
	assert.Equal(t, "T", production["title"])
	assert.Equal(t, true, production["_verified"])
	assert.Equal(t, "reviewer-X", production["_verified_by"])
	assert.Equal(t, false, production["_has_corrections"])
	assert.Equal(t, stagingID, production["_staging_id"])

	stagingDoc, _ = store.Collection("staging_news").FindOne(ctx, db.Document{"_id": stagingID})
	assert.Equal(t, "promoted", stagingDoc["_review_status"])
	assert.Equal(t, productionID, stagingDoc["_promoted_to"])

	lineage, err := store.Collection(db.ColDataLineage).FindOne(ctx, db.Document{"production_id": productionID})
	require.NoError(t, err)
	require.NotNil(t, lineage)
	assert.Equal(t, stagingID, lineage["staging_id"])
	assert.Equal(t, "staging_news", lineage["staging_collection"])
	assert.Equal(t, "news_articles", lineage["production_collection"])
	assert.Equal(t, "reviewer-X", lineage["reviewer_id"])
}

// TestPromote_WithCorrections applies reviewer fixes and flags the
// production document.
func TestPromote_WithCorrections(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	svc := NewService(store)

	sourceID := seedSource(t, store, "Daily News", "https://news.example.com")
	stagingID, err := svc.SaveToStaging(ctx, map[string]any{"title": "T"}, sourceID, db.NewIdRef(), 0, "news")
	require.NoError(t, err)

	ok, productionID, msg := svc.Promote(ctx, stagingID, "reviewer-X", []Correction{
		{Field: "title", CorrectedValue: "T'"},
	})
	require.True(t, ok, msg)

	production, _ := store.Collection("news_articles").FindOne(ctx, db.Document{"_id": productionID})
	assert.Equal(t, "T'", production["title"])
	assert.Equal(t, true, production["_has_corrections"])
}

// TestPromote_MissingStaging fails without touching anything.
func TestPromote_MissingStaging(t *testing.T) {
	svc := NewService(db.NewMemoryDatabase("test"))
	ok, productionID, msg := svc.Promote(context.Background(), db.NewIdRef(), "reviewer-X", nil)
	assert.False(t, ok)
	assert.True(t, productionID.IsZero())
	assert.Equal(t, "Staging record not found", msg)
}

// TestRollback reverts promotion completely: production gone, staging
// rolled back, lineage row flagged.
func TestRollback(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	svc := NewService(store)

	sourceID := seedSource(t, store, "Daily News", "https://news.example.com")
	stagingID, err := svc.SaveToStaging(ctx, map[string]any{"title": "T"}, sourceID, db.NewIdRef(), 0, "news")
	require.NoError(t, err)

	ok, productionID, _ := svc.Promote(ctx, stagingID, "reviewer-X", nil)
	require.True(t, ok)

	ok, msg := svc.Rollback(ctx, productionID, "mistake", "op-1")
	require.True(t, ok, msg)

	production, _ := store.Collection("news_articles").FindOne(ctx, db.Document{"_id": productionID})
	assert.Nil(t, production, "production document is removed")

	stagingDoc, _ := store.Collection("staging_news").FindOne(ctx, db.Document{"_id": stagingID})
	assert.Equal(t, "rolled_back", stagingDoc["_review_status"])
	_, promoted := stagingDoc["_promoted_to"]
	assert.False(t, promoted, "_promoted_to is unset")

	lineage, _ := store.Collection(db.ColDataLineage).FindOne(ctx, db.Document{"production_id": productionID})
	assert.Equal(t, true, lineage["rolled_back"])
	assert.Equal(t, "op-1", lineage["rolled_back_by"])
	assert.Equal(t, "mistake", lineage["rollback_reason"])

	ok, msg = svc.Rollback(ctx, db.NewIdRef(), "none", "op-1")
	assert.False(t, ok)
	assert.Equal(t, "Lineage record not found", msg)
}

// TestBatchPromote accounts per-id outcomes; success + failed == total.
func TestBatchPromote(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	svc := NewService(store)

	sourceID := seedSource(t, store, "Daily News", "https://news.example.com")
	goodA, err := svc.SaveToStaging(ctx, map[string]any{"title": "a"}, sourceID, db.NewIdRef(), 0, "news")
	require.NoError(t, err)
	goodB, err := svc.SaveToStaging(ctx, map[string]any{"title": "b"}, sourceID, db.NewIdRef(), 1, "news")
	require.NoError(t, err)
	missing := db.NewIdRef()

	result := svc.BatchPromote(ctx, []db.IdRef{goodA, missing, goodB}, "reviewer-X")
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, result.Total, result.Success+result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, missing.Hex(), result.Errors[0]["staging_id"])
}

// TestStats aggregates review states per staging collection.
func TestStats(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")
	svc := NewService(store)

	sourceID := seedSource(t, store, "Daily News", "https://news.example.com")
	pending, err := svc.SaveToStaging(ctx, map[string]any{"title": "a"}, sourceID, db.NewIdRef(), 0, "news")
	require.NoError(t, err)
	_ = pending
	promoted, err := svc.SaveToStaging(ctx, map[string]any{"title": "b"}, sourceID, db.NewIdRef(), 1, "news")
	require.NoError(t, err)
	ok, _, _ := svc.Promote(ctx, promoted, "reviewer-X", nil)
	require.True(t, ok)

	stats, err := svc.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalPending)
	assert.Equal(t, int64(1), stats.TotalPromoted)
	assert.Equal(t, int64(1), stats.ByCollection["staging_news"]["pending"])
	assert.Equal(t, int64(1), stats.ByCollection["staging_news"]["promoted"])
}

// TestCleanupOldStaging removes only promoted rows past the cutoff.
func TestCleanupOldStaging(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryDatabase("test")

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(store).WithClock(func() time.Time { return now })

	sourceID := seedSource(t, store, "Daily News", "https://news.example.com")

	oldID, err := svc.SaveToStaging(ctx, map[string]any{"title": "old"}, sourceID, db.NewIdRef(), 0, "news")
	require.NoError(t, err)
	ok, _, _ := svc.Promote(ctx, oldID, "reviewer-X", nil)
	require.True(t, ok)
	// Age the promotion stamp past the cutoff.
	_, err = store.Collection("staging_news").UpdateOne(ctx,
		db.Document{"_id": oldID},
		db.Document{"$set": db.Document{"_promoted_at": now.AddDate(0, 0, -60)}})
	require.NoError(t, err)

	freshID, err := svc.SaveToStaging(ctx, map[string]any{"title": "fresh"}, sourceID, db.NewIdRef(), 1, "news")
	require.NoError(t, err)
	ok, _, _ = svc.Promote(ctx, freshID, "reviewer-X", nil)
	require.True(t, ok)

	deleted, err := svc.CleanupOldStaging(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, _ := store.Collection("staging_news").Count(ctx, db.Document{})
	assert.Equal(t, int64(1), remaining)
}
