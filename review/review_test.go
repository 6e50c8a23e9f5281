package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.crawlops.org/db"
	"atlas.crawlops.org/promotion"
)

type fixture struct {
	store   db.Database
	promo   *promotion.Service
	reviews *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemoryDatabase("test")
	promo := promotion.NewService(store)
	return &fixture{
		store:   store,
		promo:   promo,
		reviews: NewService(store, promo),
	}
}

func (f *fixture) seedSource(t *testing.T) db.IdRef {
	t.Helper()
	id, err := f.store.Collection(db.ColSources).InsertOne(context.Background(), db.Document{
		"name": "Daily News", "url": "https://news.example.com", "status": "active",
	})
	require.NoError(t, err)
	return id
}

// seedReview stages one record and creates its pending review.
func (f *fixture) seedReview(t *testing.T, sourceID db.IdRef, index int, extra db.Document) db.IdRef {
	t.Helper()
	ctx := context.Background()

	stagingID, err := f.promo.SaveToStaging(ctx, map[string]any{"title": "T"}, sourceID, db.NewIdRef(), index, "news")
	require.NoError(t, err)

	review := db.Document{
		"crawl_result_id":   db.NewIdRef(),
		"source_id":         sourceID,
		"data_record_index": index,
		"review_status":     "pending",
		"staging_id":        stagingID,
		"created_at":        time.Now().UTC().Add(time.Duration(index) * time.Second),
	}
	for k, v := range extra {
		review[k] = v
	}
	reviewID, err := f.store.Collection(db.ColDataReviews).InsertOne(ctx, review)
	require.NoError(t, err)
	return reviewID
}

// TestBulkApprove_HappyPath approves, promotes, and links production.
func TestBulkApprove_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)
	reviewID := f.seedReview(t, sourceID, 0, nil)

	result := f.reviews.BulkApprove(ctx, []string{reviewID.Hex()}, "reviewer-X", "")
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Success)
	assert.Zero(t, result.Failed)

	review, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": reviewID})
	assert.Equal(t, "approved", review["review_status"])
	assert.Equal(t, "reviewer-X", review["reviewer_id"])
	productionID, ok := review["production_id"].(db.IdRef)
	require.True(t, ok)

	production, _ := f.store.Collection("news_articles").FindOne(ctx, db.Document{"_id": productionID})
	require.NotNil(t, production)
	assert.Equal(t, true, production["_verified"])
	assert.Equal(t, "reviewer-X", production["_verified_by"])

	lineage, _ := f.store.Collection(db.ColDataLineage).FindOne(ctx, db.Document{"production_id": productionID})
	require.NotNil(t, lineage, "a lineage row links staging and production")
}

// TestBulkApprove_WithCorrections carries review corrections into the
// promoted document.
func TestBulkApprove_WithCorrections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)
	reviewID := f.seedReview(t, sourceID, 0, db.Document{
		"corrections": []any{
			db.Document{"field": "title", "corrected_value": "T'"},
		},
	})

	result := f.reviews.BulkApprove(ctx, []string{reviewID.Hex()}, "reviewer-X", "")
	require.Equal(t, 1, result.Success)

	review, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": reviewID})
	productionID := review["production_id"].(db.IdRef)

	production, _ := f.store.Collection("news_articles").FindOne(ctx, db.Document{"_id": productionID})
	assert.Equal(t, "T'", production["title"])
	assert.Equal(t, true, production["_has_corrections"])
}

// TestBulkApprove_PartialFailure upholds success + failed == total with
// one error entry per failed id.
func TestBulkApprove_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)
	good := f.seedReview(t, sourceID, 0, nil)

	ids := []string{good.Hex(), "not-an-id", db.NewIdRef().Hex()}
	result := f.reviews.BulkApprove(ctx, ids, "reviewer-X", "")

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, result.Total, result.Success+result.Failed)
	assert.Len(t, result.FailedIDs, 2)
	assert.Len(t, result.Errors, 2, "every failed id appears in exactly one error entry")
}

// TestBulkApprove_LegacyWithoutStaging counts as success without a
// promotion.
func TestBulkApprove_LegacyWithoutStaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)

	reviewID, err := f.store.Collection(db.ColDataReviews).InsertOne(ctx, db.Document{
		"source_id":     sourceID,
		"review_status": "pending",
		"created_at":    time.Now().UTC(),
	})
	require.NoError(t, err)

	result := f.reviews.BulkApprove(ctx, []string{reviewID.Hex()}, "reviewer-X", "")
	assert.Equal(t, 1, result.Success)

	review, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": reviewID})
	assert.Equal(t, "approved", review["review_status"])
	_, hasProduction := review["production_id"]
	assert.False(t, hasProduction)
}

// TestBulkReject flags reviews and their staging rows.
func TestBulkReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)
	reviewID := f.seedReview(t, sourceID, 0, nil)

	result := f.reviews.BulkReject(ctx, []string{reviewID.Hex()}, "reviewer-X", "low quality", "")
	assert.Equal(t, 1, result.Success)

	review, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": reviewID})
	assert.Equal(t, "rejected", review["review_status"])
	assert.Equal(t, "low quality", review["rejection_reason"])

	stagingID := review["staging_id"].(db.IdRef)
	stagingDoc, _ := f.store.Collection("staging_news").FindOne(ctx, db.Document{"_id": stagingID})
	assert.Equal(t, "rejected", stagingDoc["_review_status"])
	assert.Equal(t, "low quality", stagingDoc["_rejection_reason"])
}

// TestBulkApproveByFilter resolves ids by filter then chunks through
// BulkApprove.
func TestBulkApproveByFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)

	for i := 0; i < 3; i++ {
		f.seedReview(t, sourceID, i, db.Document{"confidence_score": 0.9})
	}
	f.seedReview(t, sourceID, 3, db.Document{"confidence_score": 0.2})

	confidenceMin := 0.5
	result, err := f.reviews.BulkApproveByFilter(ctx, Filter{
		SourceID:      sourceID.Hex(),
		ConfidenceMin: &confidenceMin,
		Limit:         100,
	}, "reviewer-X")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Success)

	remaining, _ := f.reviews.CountByFilter(ctx, Filter{SourceID: sourceID.Hex()})
	assert.Equal(t, int64(1), remaining, "the low-confidence review stays pending")
}

// TestRevert rolls back a promoted review to pending with history.
func TestRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)
	reviewID := f.seedReview(t, sourceID, 0, nil)

	require.Equal(t, 1, f.reviews.BulkApprove(ctx, []string{reviewID.Hex()}, "reviewer-X", "").Success)

	review, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": reviewID})
	productionID := review["production_id"].(db.IdRef)

	require.NoError(t, f.reviews.Revert(ctx, reviewID.Hex(), "reviewer-Y"))

	review, _ = f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": reviewID})
	assert.Equal(t, "pending", review["review_status"])
	_, hasReviewer := review["reviewer_id"]
	assert.False(t, hasReviewer, "reviewer fields are cleared")

	history, ok := review["revert_history"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	entry := history[0].(db.Document)
	assert.Equal(t, "approved", entry["previous_status"])
	assert.Equal(t, "reviewer-Y", entry["reverted_by"])

	production, _ := f.store.Collection("news_articles").FindOne(ctx, db.Document{"_id": productionID})
	assert.Nil(t, production, "promotion is rolled back before revert")

	audit, _ := f.store.Collection(db.ColReviewAuditLog).Count(ctx, db.Document{"review_id": reviewID})
	assert.Equal(t, int64(1), audit)

	err := f.reviews.Revert(ctx, reviewID.Hex(), "reviewer-Y")
	require.Error(t, err, "pending reviews cannot be reverted")
}

// TestNextAndResume walks the pending queue and tracks the bookmark.
func TestNextAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)

	first := f.seedReview(t, sourceID, 0, nil)
	second := f.seedReview(t, sourceID, 1, nil)

	// With no bookmark, the earliest pending review comes first.
	doc, err := f.reviews.Next(ctx, "reviewer-X", "", "", "forward")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, first, doc["_id"])

	// The bookmark advances the cursor.
	doc, err = f.reviews.Next(ctx, "reviewer-X", "", "", "forward")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, second, doc["_id"])

	info, err := f.reviews.Resume(ctx, "reviewer-X")
	require.NoError(t, err)
	assert.True(t, info.HasBookmark)
	assert.Equal(t, second.Hex(), info.LastReviewID)
	assert.Equal(t, int64(2), info.TotalPending)

	fresh, err := f.reviews.Resume(ctx, "reviewer-Z")
	require.NoError(t, err)
	assert.False(t, fresh.HasBookmark)
	assert.Equal(t, int64(2), fresh.TotalPending)
}

// TestNext_BackwardFallsBackToCompleted surfaces the most recent
// completed review when no pending predecessor exists.
func TestNext_BackwardFallsBackToCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)

	done := f.seedReview(t, sourceID, 0, nil)
	require.Equal(t, 1, f.reviews.BulkApprove(ctx, []string{done.Hex()}, "reviewer-X", "").Success)
	pending := f.seedReview(t, sourceID, 1, nil)

	doc, err := f.reviews.Next(ctx, "reviewer-X", pending.Hex(), "", "backward")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, done, doc["_id"])
}

// TestCreateReviewsFromCrawlResult upserts one review per record with
// confidence signals.
func TestCreateReviewsFromCrawlResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)

	crawlResultID, err := f.store.Collection(db.ColCrawlResults).InsertOne(ctx, db.Document{
		"source_id": sourceID,
		"run_id":    "r1",
		"status":    "success",
		"data": []any{
			db.Document{"title": "a", "confidence": 0.9},
			db.Document{"title": "b", "ocr_confidence": 0.4, "needs_number_review": true},
		},
	})
	require.NoError(t, err)

	created, err := f.reviews.CreateReviewsFromCrawlResult(ctx, crawlResultID.Hex())
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	first, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{
		"crawl_result_id": crawlResultID, "data_record_index": 0,
	})
	require.NotNil(t, first)
	assert.Equal(t, 0.9, first["confidence_score"])

	second, _ := f.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{
		"crawl_result_id": crawlResultID, "data_record_index": 1,
	})
	require.NotNil(t, second)
	assert.Equal(t, 0.4, second["ocr_confidence"])
	assert.Equal(t, true, second["needs_number_review"])

	// Upsert semantics: a second pass creates nothing.
	created, err = f.reviews.CreateReviewsFromCrawlResult(ctx, crawlResultID.Hex())
	require.NoError(t, err)
	assert.Zero(t, created)
}

// TestBulkJobLifecycle tracks progress through to completion.
func TestBulkJobLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sourceID := f.seedSource(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.seedReview(t, sourceID, i, nil).Hex())
	}

	jobID, err := f.reviews.CreateBulkJob(ctx, "approve", len(ids), "reviewer-X")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	result, err := f.reviews.RunBulkApproveJob(ctx, jobID, ids, "reviewer-X", "batch")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Success)

	status, err := f.reviews.GetBulkJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 3, status.Processed)
	assert.Equal(t, 3, status.Success)
	assert.NotNil(t, status.CompletedAt)

	missing, err := f.reviews.GetBulkJobStatus(ctx, "bulk_unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
