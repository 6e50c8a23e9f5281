// Package promotion moves reviewer-approved records from staging
// collections into production collections, with lineage rows as the
// audit trail and rollback support.
//
// The store offers no multi-document transactions here; every promotion
// runs its steps in a fixed order (insert production, mark staging,
// insert lineage) and any failure short-circuits. The lineage row is the
// source of truth for "moved". Steps that completed before a failure are
// not undone: a production record or a promoted staging flag written
// before the failure stays in place, and nothing in this package looks
// for such partial promotions.
package promotion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
)

// CollectionPair maps one type key to its staging and production
// collections.
type CollectionPair struct {
	Staging    string
	Production string
}

// CollectionMapping is the fixed type-key mapping.
var CollectionMapping = map[string]CollectionPair{
	"news":         {"staging_news", "news_articles"},
	"financial":    {"staging_financial", "financial_data"},
	"stock":        {"staging_financial", "stock_prices"},
	"exchange":     {"staging_financial", "exchange_rates"},
	"market":       {"staging_financial", "market_indices"},
	"announcement": {"staging_data", "announcements"},
	"generic":      {"staging_data", "crawl_data"},
}

// mappingOrder keeps staging lookups deterministic.
var mappingOrder = []string{"news", "financial", "stock", "exchange", "market", "announcement", "generic"}

// Correction is one reviewer-supplied field fix applied at promotion.
type Correction struct {
	Field          string `json:"field"`
	CorrectedValue any    `json:"corrected_value"`
	Reason         string `json:"reason,omitempty"`
}

// BatchResult summarizes a batch promotion.
type BatchResult struct {
	Total   int              `json:"total"`
	Success int              `json:"success"`
	Failed  int              `json:"failed"`
	Errors  []map[string]any `json:"errors,omitempty"`
}

// StagingStats aggregates staging review states.
type StagingStats struct {
	TotalPending    int64                       `json:"total_pending"`
	TotalPromoted   int64                       `json:"total_promoted"`
	TotalRolledBack int64                       `json:"total_rolled_back"`
	ByCollection    map[string]map[string]int64 `json:"by_collection"`
}

// Service promotes staging records to production. Promotion and rollback
// of a given staging id are serialized; independent ids run in parallel.
type Service struct {
	store db.Database
	clock func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a promotion service.
func NewService(store db.Database) *Service {
	return &Service{
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
		locks: map[string]*sync.Mutex{},
	}
}

// WithClock injects a time source for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) idLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// DetermineType picks the collection type key for a source by name/url
// heuristics; generic when nothing matches.
func (s *Service) DetermineType(ctx context.Context, sourceID db.IdRef) string {
	doc, err := s.store.Collection(db.ColSources).FindOne(ctx, db.Document{"_id": sourceID})
	if err != nil || doc == nil {
		return "generic"
	}

	name := strings.ToLower(fmt.Sprint(doc["name"]))
	url := strings.ToLower(fmt.Sprint(doc["url"]))

	contains := func(keywords ...string) bool {
		for _, kw := range keywords {
			if strings.Contains(name, kw) || strings.Contains(url, kw) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("news", "뉴스", "article", "기사"):
		return "news"
	case contains("stock", "주식", "finance", "금융"):
		return "financial"
	case contains("공시", "disclosure", "announcement"):
		return "announcement"
	default:
		return "generic"
	}
}

// SaveToStaging writes extracted data into the staging collection for
// the source's type with the review metadata attached.
func (s *Service) SaveToStaging(
	ctx context.Context,
	data map[string]any,
	sourceID, crawlResultID db.IdRef,
	recordIndex int,
	collectionType string,
) (db.IdRef, error) {
	if collectionType == "" {
		collectionType = s.DetermineType(ctx, sourceID)
	}
	pair, ok := CollectionMapping[collectionType]
	if !ok {
		pair = CollectionMapping["generic"]
	}

	now := s.clock()
	doc := db.Document{}
	for k, v := range data {
		doc[k] = v
	}
	doc["_source_id"] = sourceID
	doc["_crawl_result_id"] = crawlResultID
	doc["_record_index"] = recordIndex
	doc["_review_status"] = "pending"
	doc["_collection_type"] = collectionType
	doc["_crawled_at"] = now
	doc["_staged_at"] = now

	id, err := s.store.Collection(pair.Staging).InsertOne(ctx, doc)
	if err != nil {
		return db.NilIdRef, err
	}
	common.Logger.WithField("collection", pair.Staging).
		WithField("staging_id", id.Hex()).
		Info("saved to staging")
	return id, nil
}

// findStaging locates a staging record by id across the mapped staging
// collections; first hit wins.
func (s *Service) findStaging(ctx context.Context, stagingID db.IdRef) (db.Document, string, string, error) {
	seen := map[string]struct{}{}
	for _, key := range mappingOrder {
		pair := CollectionMapping[key]
		if _, done := seen[pair.Staging]; done {
			continue
		}
		seen[pair.Staging] = struct{}{}

		doc, err := s.store.Collection(pair.Staging).FindOne(ctx, db.Document{"_id": stagingID})
		if err != nil {
			return nil, "", "", err
		}
		if doc != nil {
			ctype := key
			if t, ok := doc["_collection_type"].(string); ok && t != "" {
				ctype = t
			}
			return doc, pair.Staging, ctype, nil
		}
	}
	return nil, "", "", nil
}

// Promote moves one staging record to production: copy the payload,
// apply corrections, attach verification metadata, flag the staging row,
// and insert the lineage row. Returns (ok, productionID, message).
func (s *Service) Promote(
	ctx context.Context,
	stagingID db.IdRef,
	reviewerID string,
	corrections []Correction,
) (bool, db.IdRef, string) {
	mu := s.idLock(stagingID.Hex())
	mu.Lock()
	defer mu.Unlock()

	stagingDoc, stagingCol, ctype, err := s.findStaging(ctx, stagingID)
	if err != nil {
		return false, db.NilIdRef, err.Error()
	}
	if stagingDoc == nil {
		return false, db.NilIdRef, "Staging record not found"
	}

	pair, ok := CollectionMapping[ctype]
	if !ok {
		pair = CollectionMapping["generic"]
	}

	production := db.Document{}
	for k, v := range stagingDoc {
		if !strings.HasPrefix(k, "_") || k == "_source_id" || k == "_data_date" {
			production[k] = v
		}
	}
	delete(production, "_id")

	for _, c := range corrections {
		if c.Field == "" {
			continue
		}
		if _, ok := production[c.Field]; ok {
			production[c.Field] = c.CorrectedValue
		}
	}

	now := s.clock()
	dataDate := stagingDoc["_data_date"]
	if dataDate == nil {
		dataDate = now.Format("2006-01-02")
	}
	production["_source_id"] = stagingDoc["_source_id"]
	production["_staging_id"] = stagingID
	production["_verified"] = true
	production["_verified_at"] = now
	production["_verified_by"] = reviewerID
	production["_has_corrections"] = len(corrections) > 0
	production["_promoted_at"] = now
	production["_crawled_at"] = stagingDoc["_crawled_at"]
	production["_data_date"] = dataDate

	productionID, err := s.store.Collection(pair.Production).InsertOne(ctx, production)
	if err != nil {
		common.Logger.Errorf("promotion insert failed: %v", err)
		return false, db.NilIdRef, err.Error()
	}

	if _, err := s.store.Collection(stagingCol).UpdateOne(ctx,
		db.Document{"_id": stagingID},
		db.Document{"$set": db.Document{
			"_review_status": "promoted",
			"_promoted_to":   productionID,
			"_promoted_at":   now,
		}},
	); err != nil {
		common.Logger.Errorf("promotion staging update failed: %v", err)
		return false, db.NilIdRef, err.Error()
	}

	correctionDocs := make([]any, 0, len(corrections))
	for _, c := range corrections {
		correctionDocs = append(correctionDocs, db.Document{
			"field":           c.Field,
			"corrected_value": c.CorrectedValue,
			"reason":          c.Reason,
		})
	}

	if _, err := s.store.Collection(db.ColDataLineage).InsertOne(ctx, db.Document{
		"staging_id":            stagingID,
		"staging_collection":    stagingCol,
		"production_id":         productionID,
		"production_collection": pair.Production,
		"source_id":             stagingDoc["_source_id"],
		"crawl_result_id":       stagingDoc["_crawl_result_id"],
		"reviewer_id":           reviewerID,
		"has_corrections":       len(corrections) > 0,
		"corrections":           correctionDocs,
		"moved_at":              now,
	}); err != nil {
		common.Logger.Errorf("promotion lineage insert failed: %v", err)
		return false, db.NilIdRef, err.Error()
	}

	common.Logger.WithField("staging", fmt.Sprintf("%s/%s", stagingCol, stagingID.Hex())).
		WithField("production", fmt.Sprintf("%s/%s", pair.Production, productionID.Hex())).
		Info("promoted to production")

	return true, productionID, "Successfully promoted to production"
}

// Rollback deletes the production record, reverts the staging record,
// and marks the lineage row rolled back.
func (s *Service) Rollback(ctx context.Context, productionID db.IdRef, reason, operatorID string) (bool, string) {
	lineage, err := s.store.Collection(db.ColDataLineage).FindOne(ctx, db.Document{"production_id": productionID})
	if err != nil {
		return false, err.Error()
	}
	if lineage == nil {
		return false, "Lineage record not found"
	}

	stagingID, _ := lineage["staging_id"].(db.IdRef)
	mu := s.idLock(stagingID.Hex())
	mu.Lock()
	defer mu.Unlock()

	productionCol := fmt.Sprint(lineage["production_collection"])
	stagingCol := fmt.Sprint(lineage["staging_collection"])
	now := s.clock()

	if _, err := s.store.Collection(productionCol).DeleteOne(ctx, db.Document{"_id": productionID}); err != nil {
		common.Logger.Errorf("rollback delete failed: %v", err)
		return false, err.Error()
	}

	if _, err := s.store.Collection(stagingCol).UpdateOne(ctx,
		db.Document{"_id": stagingID},
		db.Document{
			"$set": db.Document{
				"_review_status":   "rolled_back",
				"_rollback_reason": reason,
				"_rolled_back_at":  now,
				"_rolled_back_by":  operatorID,
			},
			"$unset": db.Document{
				"_promoted_to": "",
				"_promoted_at": "",
			},
		},
	); err != nil {
		common.Logger.Errorf("rollback staging revert failed: %v", err)
		return false, err.Error()
	}

	if _, err := s.store.Collection(db.ColDataLineage).UpdateOne(ctx,
		db.Document{"_id": lineage["_id"]},
		db.Document{"$set": db.Document{
			"rolled_back":     true,
			"rollback_reason": reason,
			"rolled_back_at":  now,
			"rolled_back_by":  operatorID,
		}},
	); err != nil {
		return false, err.Error()
	}

	common.Logger.WithField("production", fmt.Sprintf("%s/%s", productionCol, productionID.Hex())).
		Info("promotion rolled back")
	return true, "Successfully rolled back"
}

// BatchPromote promotes several staging ids, accounting per-id outcomes.
func (s *Service) BatchPromote(ctx context.Context, stagingIDs []db.IdRef, reviewerID string) *BatchResult {
	result := &BatchResult{Total: len(stagingIDs)}
	for _, id := range stagingIDs {
		ok, _, msg := s.Promote(ctx, id, reviewerID, nil)
		if ok {
			result.Success++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, map[string]any{
				"staging_id": id.Hex(),
				"error":      msg,
			})
		}
	}
	return result
}

// Stats aggregates staging review-state counters, optionally per source.
func (s *Service) Stats(ctx context.Context, sourceID *db.IdRef) (*StagingStats, error) {
	stats := &StagingStats{ByCollection: map[string]map[string]int64{}}

	seen := map[string]struct{}{}
	for _, key := range mappingOrder {
		pair := CollectionMapping[key]
		if _, done := seen[pair.Staging]; done {
			continue
		}
		seen[pair.Staging] = struct{}{}

		colStats := map[string]int64{}
		for _, status := range []string{"pending", "promoted", "rolled_back"} {
			filter := db.Document{"_review_status": status}
			if sourceID != nil {
				filter["_source_id"] = *sourceID
			}
			n, err := s.store.Collection(pair.Staging).Count(ctx, filter)
			if err != nil {
				return nil, err
			}
			colStats[status] = n
		}

		stats.TotalPending += colStats["pending"]
		stats.TotalPromoted += colStats["promoted"]
		stats.TotalRolledBack += colStats["rolled_back"]
		if colStats["pending"]+colStats["promoted"]+colStats["rolled_back"] > 0 {
			stats.ByCollection[pair.Staging] = colStats
		}
	}
	return stats, nil
}

// CleanupOldStaging removes promoted staging rows older than the cutoff
// from every mapped staging collection. It does not consult lineage rows
// and does not roll back partial promotions.
func (s *Service) CleanupOldStaging(ctx context.Context, days int) (int64, error) {
	cutoff := s.clock().AddDate(0, 0, -days)
	var deleted int64

	seen := map[string]struct{}{}
	for _, key := range mappingOrder {
		pair := CollectionMapping[key]
		if _, done := seen[pair.Staging]; done {
			continue
		}
		seen[pair.Staging] = struct{}{}

		n, err := s.store.Collection(pair.Staging).DeleteMany(ctx, db.Document{
			"_review_status": "promoted",
			"_promoted_at":   db.Document{"$lt": cutoff},
		})
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	common.Logger.WithField("deleted", deleted).Info("cleaned up old staging records")
	return deleted, nil
}
