// Package review implements the human-verification queue: bulk
// approve/reject with staging promotion, filter-driven approval,
// reversion, reviewer bookmarks with session resume, and asynchronous
// bulk-job tracking.
package review

import (
	"context"
	"fmt"
	"time"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
	"atlas.crawlops.org/promotion"
)

// batchSize is the slice size for bulk processing.
const batchSize = 100

// BulkOperationResult enumerates per-id outcomes of a bulk operation.
// Partial failure never surfaces as a single error.
type BulkOperationResult struct {
	Total     int      `json:"total"`
	Success   int      `json:"success"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Filter selects pending reviews for filter-driven bulk operations.
type Filter struct {
	SourceID      string
	ConfidenceMin *float64
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int64
	Comment       string
}

// ResumeInfo reports a reviewer's bookmark state.
type ResumeInfo struct {
	HasBookmark          bool       `json:"has_bookmark"`
	LastReviewID         string     `json:"last_review_id,omitempty"`
	LastReviewedAt       *time.Time `json:"last_reviewed_at,omitempty"`
	RemainingAfterCursor int64      `json:"remaining_after_bookmark"`
	TotalPending         int64      `json:"total_pending"`
}

// Service drives review workflows over the data_reviews collection.
type Service struct {
	store     db.Database
	promotion *promotion.Service
	clock     func() time.Time
}

// NewService creates a review service wired to the promotion service.
func NewService(store db.Database, promo *promotion.Service) *Service {
	return &Service{
		store:     store,
		promotion: promo,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// BulkApprove approves the given review ids and promotes their staging
// records. Invalid ids count as failed; reviews without a staging_id
// (legacy data path) count as success.
func (s *Service) BulkApprove(ctx context.Context, reviewIDs []string, reviewerID, comment string) *BulkOperationResult {
	result := &BulkOperationResult{Total: len(reviewIDs)}

	valid := make([]db.IdRef, 0, len(reviewIDs))
	for _, rid := range reviewIDs {
		oid, err := db.ParseIdRef(rid)
		if err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, rid)
			result.Errors = append(result.Errors, fmt.Sprintf("Invalid identifier: %s", rid))
			continue
		}
		valid = append(valid, oid)
	}

	for i := 0; i < len(valid); i += batchSize {
		end := i + batchSize
		if end > len(valid) {
			end = len(valid)
		}
		s.approveBatch(ctx, valid[i:end], reviewerID, comment, result)
	}

	common.Logger.WithField("success", result.Success).
		WithField("failed", result.Failed).
		WithField("total", result.Total).
		Info("bulk approve completed")
	return result
}

func (s *Service) approveBatch(ctx context.Context, batch []db.IdRef, reviewerID, comment string, result *BulkOperationResult) {
	now := s.clock()
	ids := make([]any, len(batch))
	for i, id := range batch {
		ids[i] = id
	}

	reviews, err := s.store.Collection(db.ColDataReviews).Find(ctx, db.Document{
		"_id":           db.Document{"$in": ids},
		"review_status": "pending",
	}, nil)
	if err != nil {
		for _, id := range batch {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id.Hex())
			result.Errors = append(result.Errors, fmt.Sprintf("Database error: %v", err))
		}
		return
	}

	found := map[string]db.Document{}
	for _, review := range reviews {
		if id, ok := review["_id"].(db.IdRef); ok {
			found[id.Hex()] = review
		}
	}
	for _, id := range batch {
		if _, ok := found[id.Hex()]; !ok {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id.Hex())
			result.Errors = append(result.Errors, fmt.Sprintf("Review not found or not pending: %s", id.Hex()))
		}
	}
	if len(reviews) == 0 {
		return
	}

	update := db.Document{
		"review_status": "approved",
		"reviewer_id":   reviewerID,
		"reviewed_at":   now,
		"updated_at":    now,
	}
	if comment != "" {
		update["notes"] = comment
	}

	foundIDs := make([]any, 0, len(reviews))
	for _, review := range reviews {
		foundIDs = append(foundIDs, review["_id"])
	}
	if _, err := s.store.Collection(db.ColDataReviews).UpdateMany(ctx,
		db.Document{"_id": db.Document{"$in": foundIDs}},
		db.Document{"$set": update},
	); err != nil {
		for _, review := range reviews {
			rid, _ := review["_id"].(db.IdRef)
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, rid.Hex())
			result.Errors = append(result.Errors, fmt.Sprintf("Database error: %v", err))
		}
		return
	}

	for _, review := range reviews {
		rid, _ := review["_id"].(db.IdRef)

		stagingID, hasStaging := stagingIDOf(review)
		if !hasStaging {
			// Legacy review rows predate staging; approval alone suffices.
			result.Success++
			continue
		}

		corrections := correctionsOf(review)
		ok, productionID, msg := s.promotion.Promote(ctx, stagingID, reviewerID, corrections)
		if !ok {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, rid.Hex())
			result.Errors = append(result.Errors, fmt.Sprintf("Promotion failed: %s", msg))
			continue
		}

		if _, err := s.store.Collection(db.ColDataReviews).UpdateOne(ctx,
			db.Document{"_id": rid},
			db.Document{"$set": db.Document{
				"production_id": productionID,
				"promoted_at":   now,
			}},
		); err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, rid.Hex())
			result.Errors = append(result.Errors, fmt.Sprintf("Database error: %v", err))
			continue
		}
		result.Success++
	}
}

// BulkReject rejects the given review ids with a reason and flags their
// staging records.
func (s *Service) BulkReject(ctx context.Context, reviewIDs []string, reviewerID, reason, comment string) *BulkOperationResult {
	result := &BulkOperationResult{Total: len(reviewIDs)}
	now := s.clock()

	valid := make([]any, 0, len(reviewIDs))
	for _, rid := range reviewIDs {
		oid, err := db.ParseIdRef(rid)
		if err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, rid)
			result.Errors = append(result.Errors, fmt.Sprintf("Invalid identifier: %s", rid))
			continue
		}
		valid = append(valid, oid)
	}
	if len(valid) == 0 {
		return result
	}

	reviews, err := s.store.Collection(db.ColDataReviews).Find(ctx, db.Document{
		"_id":           db.Document{"$in": valid},
		"review_status": "pending",
	}, nil)
	if err != nil {
		result.Failed = len(valid)
		result.Errors = append(result.Errors, fmt.Sprintf("Database error: %v", err))
		return result
	}

	found := map[string]struct{}{}
	foundIDs := make([]any, 0, len(reviews))
	for _, review := range reviews {
		if id, ok := review["_id"].(db.IdRef); ok {
			found[id.Hex()] = struct{}{}
			foundIDs = append(foundIDs, id)
		}
	}
	for _, raw := range valid {
		id := raw.(db.IdRef)
		if _, ok := found[id.Hex()]; !ok {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id.Hex())
			result.Errors = append(result.Errors, fmt.Sprintf("Review not found or not pending: %s", id.Hex()))
		}
	}
	if len(reviews) == 0 {
		return result
	}

	update := db.Document{
		"review_status":    "rejected",
		"reviewer_id":      reviewerID,
		"reviewed_at":      now,
		"updated_at":       now,
		"rejection_reason": reason,
	}
	if comment != "" {
		update["notes"] = comment
	}

	modified, err := s.store.Collection(db.ColDataReviews).UpdateMany(ctx,
		db.Document{"_id": db.Document{"$in": foundIDs}},
		db.Document{"$set": update},
	)
	if err != nil {
		result.Failed += len(reviews)
		result.Errors = append(result.Errors, fmt.Sprintf("Database error: %v", err))
		return result
	}
	result.Success = int(modified)

	for _, review := range reviews {
		stagingID, ok := stagingIDOf(review)
		if !ok {
			continue
		}
		for _, pair := range promotion.CollectionMapping {
			if _, err := s.store.Collection(pair.Staging).UpdateOne(ctx,
				db.Document{"_id": stagingID},
				db.Document{"$set": db.Document{
					"_review_status":    "rejected",
					"_rejection_reason": reason,
					"_rejected_at":      now,
					"_rejected_by":      reviewerID,
				}},
			); err != nil {
				common.Logger.Warnf("staging reject flag failed: %v", err)
			}
		}
	}

	common.Logger.WithField("success", result.Success).
		WithField("failed", result.Failed).
		Info("bulk reject completed")
	return result
}

// BulkApproveByFilter resolves pending reviews matching the filter
// (capped at filter.Limit) and approves them in slices of 100 through
// BulkApprove. This outer slicing is the single chunking layer: each
// slice fits in one BulkApprove batch.
func (s *Service) BulkApproveByFilter(ctx context.Context, filter Filter, reviewerID string) (*BulkOperationResult, error) {
	query := db.Document{"review_status": "pending"}

	if filter.SourceID != "" {
		oid, err := db.ParseIdRef(filter.SourceID)
		if err != nil {
			return &BulkOperationResult{Errors: []string{"Invalid source_id"}}, nil
		}
		query["source_id"] = oid
	}
	if filter.ConfidenceMin != nil {
		query["confidence_score"] = db.Document{"$gte": *filter.ConfidenceMin}
	}
	if filter.DateFrom != nil || filter.DateTo != nil {
		dateQuery := db.Document{}
		if filter.DateFrom != nil {
			dateQuery["$gte"] = *filter.DateFrom
		}
		if filter.DateTo != nil {
			dateQuery["$lte"] = *filter.DateTo
		}
		query["created_at"] = dateQuery
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	reviews, err := s.store.Collection(db.ColDataReviews).Find(ctx, query, &db.FindOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	if len(reviews) == 0 {
		return &BulkOperationResult{}, nil
	}

	ids := make([]string, 0, len(reviews))
	for _, review := range reviews {
		if id, ok := review["_id"].(db.IdRef); ok {
			ids = append(ids, id.Hex())
		}
	}

	result := &BulkOperationResult{Total: len(ids)}
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := s.BulkApprove(ctx, ids[i:end], reviewerID, filter.Comment)
		result.Success += batch.Success
		result.Failed += batch.Failed
		result.FailedIDs = append(result.FailedIDs, batch.FailedIDs...)
		result.Errors = append(result.Errors, batch.Errors...)
	}

	return result, nil
}

// CountByFilter counts pending reviews matching the filter.
func (s *Service) CountByFilter(ctx context.Context, filter Filter) (int64, error) {
	query := db.Document{"review_status": "pending"}
	if filter.SourceID != "" {
		oid, err := db.ParseIdRef(filter.SourceID)
		if err != nil {
			return 0, err
		}
		query["source_id"] = oid
	}
	if filter.ConfidenceMin != nil {
		query["confidence_score"] = db.Document{"$gte": *filter.ConfidenceMin}
	}
	if filter.DateFrom != nil || filter.DateTo != nil {
		dateQuery := db.Document{}
		if filter.DateFrom != nil {
			dateQuery["$gte"] = *filter.DateFrom
		}
		if filter.DateTo != nil {
			dateQuery["$lte"] = *filter.DateTo
		}
		query["created_at"] = dateQuery
	}
	return s.store.Collection(db.ColDataReviews).Count(ctx, query)
}

// Revert returns a non-pending review to pending: rolled back if it had
// been promoted, reviewer fields cleared, a revert_history entry pushed,
// and an audit row appended.
func (s *Service) Revert(ctx context.Context, reviewID, reviewerID string) error {
	oid, err := db.ParseIdRef(reviewID)
	if err != nil {
		return err
	}

	review, err := s.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": oid})
	if err != nil {
		return err
	}
	if review == nil {
		return common.NotFound(db.ColDataReviews, reviewID)
	}

	status := fmt.Sprint(review["review_status"])
	if status == "pending" {
		return common.NewError(common.ErrDatabaseOperation, "E107", "review is already pending")
	}

	if productionID, ok := review["production_id"].(db.IdRef); ok && !productionID.IsZero() {
		if ok, msg := s.promotion.Rollback(ctx, productionID, "review reverted", reviewerID); !ok {
			return fmt.Errorf("rollback before revert failed: %s", msg)
		}
	}

	now := s.clock()
	if _, err := s.store.Collection(db.ColDataReviews).UpdateOne(ctx,
		db.Document{"_id": oid},
		db.Document{
			"$set": db.Document{
				"review_status": "pending",
				"updated_at":    now,
			},
			"$unset": db.Document{
				"reviewer_id":   "",
				"reviewed_at":   "",
				"production_id": "",
				"promoted_at":   "",
			},
			"$push": db.Document{
				"revert_history": db.Document{
					"previous_status": status,
					"reverted_by":     reviewerID,
					"reverted_at":     now,
				},
			},
		},
	); err != nil {
		return err
	}

	_, err = s.store.Collection(db.ColReviewAuditLog).InsertOne(ctx, db.Document{
		"review_id":       oid,
		"action":          "revert",
		"previous_status": status,
		"actor":           reviewerID,
		"created_at":      now,
	})
	return err
}

// Next returns the adjacent pending review by created_at. With no
// currentID the reviewer's bookmark supplies the cursor. Going backward
// past the first pending review surfaces the most recent completed
// review for context.
func (s *Service) Next(ctx context.Context, reviewerID, currentID, sourceID, direction string) (db.Document, error) {
	if currentID == "" {
		if bookmark, err := s.bookmark(ctx, reviewerID); err == nil && bookmark != nil {
			currentID = fmt.Sprint(bookmark["last_review_id"])
		}
	}

	var cursor time.Time
	if currentID != "" {
		if oid, err := db.ParseIdRef(currentID); err == nil {
			if doc, err := s.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{"_id": oid}); err == nil && doc != nil {
				if t, ok := doc["created_at"].(time.Time); ok {
					cursor = t
				}
			}
		}
	}

	query := db.Document{"review_status": "pending"}
	if sourceID != "" {
		oid, err := db.ParseIdRef(sourceID)
		if err != nil {
			return nil, err
		}
		query["source_id"] = oid
	}

	opts := &db.FindOptions{Limit: 1}
	if direction == "backward" {
		if !cursor.IsZero() {
			query["created_at"] = db.Document{"$lt": cursor}
		}
		opts.Sort = []db.SortField{{Key: "created_at", Desc: true}}
	} else {
		if !cursor.IsZero() {
			query["created_at"] = db.Document{"$gt": cursor}
		}
		opts.Sort = []db.SortField{{Key: "created_at"}}
	}

	docs, err := s.store.Collection(db.ColDataReviews).Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		s.setBookmark(ctx, reviewerID, docs[0])
		return docs[0], nil
	}

	if direction == "backward" {
		completed := db.Document{"review_status": db.Document{"$ne": "pending"}}
		if sourceID != "" {
			completed["source_id"] = query["source_id"]
		}
		docs, err = s.store.Collection(db.ColDataReviews).Find(ctx, completed, &db.FindOptions{
			Sort:  []db.SortField{{Key: "reviewed_at", Desc: true}},
			Limit: 1,
		})
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return docs[0], nil
		}
	}

	return nil, nil
}

// Resume reports bookmark state plus queue counters for a reviewer.
func (s *Service) Resume(ctx context.Context, reviewerID string) (*ResumeInfo, error) {
	info := &ResumeInfo{}

	totalPending, err := s.store.Collection(db.ColDataReviews).Count(ctx, db.Document{"review_status": "pending"})
	if err != nil {
		return nil, err
	}
	info.TotalPending = totalPending

	bookmark, err := s.bookmark(ctx, reviewerID)
	if err != nil || bookmark == nil {
		return info, nil
	}

	info.HasBookmark = true
	info.LastReviewID = fmt.Sprint(bookmark["last_review_id"])
	if t, ok := bookmark["last_reviewed_at"].(time.Time); ok {
		info.LastReviewedAt = &t
	}

	if info.LastReviewedAt != nil {
		remaining, err := s.store.Collection(db.ColDataReviews).Count(ctx, db.Document{
			"review_status": "pending",
			"created_at":    db.Document{"$gt": *info.LastReviewedAt},
		})
		if err != nil {
			return nil, err
		}
		info.RemainingAfterCursor = remaining
	}

	return info, nil
}

// CreateReviewsFromCrawlResult upserts one pending review per record in
// the crawl result's payload, keyed by (crawl_result_id, record index),
// seeding per-record confidence signals when present.
func (s *Service) CreateReviewsFromCrawlResult(ctx context.Context, crawlResultID string) (int, error) {
	oid, err := db.ParseIdRef(crawlResultID)
	if err != nil {
		return 0, err
	}

	crawlResult, err := s.store.Collection(db.ColCrawlResults).FindOne(ctx, db.Document{"_id": oid})
	if err != nil {
		return 0, err
	}
	if crawlResult == nil {
		return 0, common.NotFound(db.ColCrawlResults, crawlResultID)
	}

	records, _ := crawlResult["data"].([]any)
	sourceID := crawlResult["source_id"]
	now := s.clock()
	created := 0

	for index, raw := range records {
		record, _ := raw.(db.Document)

		existing, err := s.store.Collection(db.ColDataReviews).FindOne(ctx, db.Document{
			"crawl_result_id":   oid,
			"data_record_index": index,
		})
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}

		review := db.Document{
			"crawl_result_id":   oid,
			"source_id":         sourceID,
			"data_record_index": index,
			"review_status":     "pending",
			"original_data":     record,
			"created_at":        now,
		}
		for _, signal := range []string{"confidence", "ocr_confidence", "ai_confidence", "needs_number_review", "uncertain_numbers", "_highlights"} {
			if record != nil {
				if v, ok := record[signal]; ok {
					key := signal
					if key == "confidence" {
						key = "confidence_score"
					}
					review[key] = v
				}
			}
		}

		if _, err := s.store.Collection(db.ColDataReviews).InsertOne(ctx, review); err != nil {
			return created, err
		}
		created++
	}

	return created, nil
}

func (s *Service) bookmark(ctx context.Context, reviewerID string) (db.Document, error) {
	return s.store.Collection(db.ColReviewerBookmarks).FindOne(ctx, db.Document{"reviewer_id": reviewerID})
}

func (s *Service) setBookmark(ctx context.Context, reviewerID string, review db.Document) {
	now := s.clock()
	reviewID := ""
	if id, ok := review["_id"].(db.IdRef); ok {
		reviewID = id.Hex()
	}

	existing, err := s.bookmark(ctx, reviewerID)
	if err != nil {
		return
	}
	if existing == nil {
		_, _ = s.store.Collection(db.ColReviewerBookmarks).InsertOne(ctx, db.Document{
			"reviewer_id":      reviewerID,
			"last_review_id":   reviewID,
			"last_reviewed_at": now,
		})
		return
	}
	_, _ = s.store.Collection(db.ColReviewerBookmarks).UpdateOne(ctx,
		db.Document{"reviewer_id": reviewerID},
		db.Document{"$set": db.Document{
			"last_review_id":   reviewID,
			"last_reviewed_at": now,
		}},
	)
}

func stagingIDOf(review db.Document) (db.IdRef, bool) {
	switch v := review["staging_id"].(type) {
	case db.IdRef:
		return v, !v.IsZero()
	case string:
		oid, err := db.ParseIdRef(v)
		return oid, err == nil
	default:
		return db.NilIdRef, false
	}
}

func correctionsOf(review db.Document) []promotion.Correction {
	raw, ok := review["corrections"].([]any)
	if !ok {
		return nil
	}
	var out []promotion.Correction
	for _, item := range raw {
		doc, ok := item.(db.Document)
		if !ok {
			continue
		}
		out = append(out, promotion.Correction{
			Field:          fmt.Sprint(doc["field"]),
			CorrectedValue: doc["corrected_value"],
			Reason:         stringOr(doc["reason"]),
		})
	}
	return out
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}
