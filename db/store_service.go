package db

import (
	"context"
	"fmt"
	"time"

	"atlas.crawlops.org/common"
)

// StoreService is the typed facade over the document store consumed by
// the rest of the control plane.
type StoreService struct {
	db    Database
	clock func() time.Time
}

// NewStoreService wraps a Database.
func NewStoreService(database Database) *StoreService {
	return &StoreService{
		db:    database,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock injects a time source for tests.
func (s *StoreService) WithClock(clock func() time.Time) *StoreService {
	s.clock = clock
	return s
}

// Database exposes the underlying engine to sibling services.
func (s *StoreService) Database() Database { return s.db }

// ---------- Sources ----------

// CreateSource persists a new source in pending state and returns its id.
// A duplicate name surfaces common.ErrDuplicateKey.
func (s *StoreService) CreateSource(ctx context.Context, src *Source) (IdRef, error) {
	existing, err := s.db.Collection(ColSources).FindOne(ctx, Document{"name": src.Name})
	if err != nil {
		return NilIdRef, err
	}
	if existing != nil {
		return NilIdRef, common.DuplicateKey(fmt.Sprintf("source name %q already exists", src.Name), nil)
	}

	now := s.clock()
	src.Status = SourcePending
	src.CreatedAt = now

	doc := sourceToDoc(src)
	id, err := s.db.Collection(ColSources).InsertOne(ctx, doc)
	if err != nil {
		return NilIdRef, err
	}
	src.ID = id
	common.Logger.WithField("source_id", id.Hex()).WithField("name", src.Name).Info("source created")
	return id, nil
}

// GetSource loads one source by id string.
func (s *StoreService) GetSource(ctx context.Context, id string) (*Source, error) {
	oid, err := ParseIdRef(id)
	if err != nil {
		return nil, err
	}
	doc, err := s.db.Collection(ColSources).FindOne(ctx, Document{"_id": oid})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, common.NotFound(ColSources, id)
	}
	return docToSource(doc), nil
}

// GetSourceByName loads one source by its unique name.
func (s *StoreService) GetSourceByName(ctx context.Context, name string) (*Source, error) {
	doc, err := s.db.Collection(ColSources).FindOne(ctx, Document{"name": name})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, common.NotFound(ColSources, name)
	}
	return docToSource(doc), nil
}

// ListSources returns sources matching the filter with pagination.
func (s *StoreService) ListSources(ctx context.Context, filter Document, skip, limit int64) ([]*Source, error) {
	docs, err := s.db.Collection(ColSources).Find(ctx, filter, &FindOptions{
		Sort:  []SortField{{Key: "created_at", Desc: true}},
		Skip:  skip,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Source, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToSource(doc))
	}
	return out, nil
}

// UpdateSource applies a $set patch and stamps updated_at.
func (s *StoreService) UpdateSource(ctx context.Context, id string, patch Document) (bool, error) {
	oid, err := ParseIdRef(id)
	if err != nil {
		return false, err
	}
	patch["updated_at"] = s.clock()
	n, err := s.db.Collection(ColSources).UpdateOne(ctx, Document{"_id": oid}, Document{"$set": patch})
	return n > 0, err
}

// SetSourceStatus transitions the source lifecycle state.
func (s *StoreService) SetSourceStatus(ctx context.Context, id string, status SourceStatus) (bool, error) {
	return s.UpdateSource(ctx, id, Document{"status": string(status)})
}

// RecordSourceFailure increments error_count and stamps last_run.
func (s *StoreService) RecordSourceFailure(ctx context.Context, id string) error {
	oid, err := ParseIdRef(id)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(ColSources).UpdateOne(ctx, Document{"_id": oid}, Document{
		"$inc": Document{"error_count": 1},
		"$set": Document{"last_run": s.clock(), "updated_at": s.clock()},
	})
	return err
}

// RecordSourceSuccess resets error_count and stamps last_success.
func (s *StoreService) RecordSourceSuccess(ctx context.Context, id string) error {
	oid, err := ParseIdRef(id)
	if err != nil {
		return err
	}
	now := s.clock()
	_, err = s.db.Collection(ColSources).UpdateOne(ctx, Document{"_id": oid}, Document{
		"$set": Document{"error_count": 0, "last_run": now, "last_success": now, "updated_at": now},
	})
	return err
}

// sourceChildCollections are the collections swept by DeleteSource,
// keyed by source_id.
var sourceChildCollections = []string{
	ColCrawlers, ColCrawlResults, ColCrawlerHistory, ColErrorLogs,
}

// DeleteSource removes a source and all of its children. Without
// multi-document transactions the children go first and the parent last;
// a partial failure leaves orphans for the periodic reap sweep.
func (s *StoreService) DeleteSource(ctx context.Context, id string) (bool, error) {
	oid, err := ParseIdRef(id)
	if err != nil {
		return false, err
	}

	for _, col := range sourceChildCollections {
		if _, err := s.db.Collection(col).DeleteMany(ctx, Document{"source_id": oid}); err != nil {
			return false, fmt.Errorf("cascade delete of %s failed: %w", col, err)
		}
	}

	n, err := s.db.Collection(ColSources).DeleteOne(ctx, Document{"_id": oid})
	if err != nil {
		return false, err
	}
	if n > 0 {
		common.Logger.WithField("source_id", id).Info("source deleted with children")
	}
	return n > 0, nil
}

// ReapOrphans deletes child rows whose source no longer exists. This is
// the maintenance sweep that reconciles partial cascade failures.
func (s *StoreService) ReapOrphans(ctx context.Context) (int64, error) {
	sources, err := s.db.Collection(ColSources).Find(ctx, Document{}, nil)
	if err != nil {
		return 0, err
	}
	known := make([]any, 0, len(sources))
	for _, doc := range sources {
		if id, ok := doc["_id"].(IdRef); ok {
			known = append(known, id)
		}
	}

	var reaped int64
	for _, col := range sourceChildCollections {
		docs, err := s.db.Collection(col).Find(ctx, Document{}, nil)
		if err != nil {
			return reaped, err
		}
		for _, doc := range docs {
			sid, ok := doc["source_id"].(IdRef)
			if !ok {
				continue
			}
			found := false
			for _, k := range known {
				if k == sid {
					found = true
					break
				}
			}
			if !found {
				n, err := s.db.Collection(col).DeleteMany(ctx, Document{"source_id": sid})
				if err != nil {
					return reaped, err
				}
				reaped += n
			}
		}
	}
	return reaped, nil
}

// ---------- Crawlers ----------

// CreateCrawler registers a new extractor version for a source: the
// previous active crawler is deactivated, version is the per-source
// maximum plus one, and an immutable history row is appended.
func (s *StoreService) CreateCrawler(ctx context.Context, sourceID string, code, dagID, createdBy string) (*Crawler, error) {
	oid, err := ParseIdRef(sourceID)
	if err != nil {
		return nil, err
	}

	latest, err := s.db.Collection(ColCrawlers).Find(ctx, Document{"source_id": oid}, &FindOptions{
		Sort:  []SortField{{Key: "version", Desc: true}},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}

	version := 1
	if len(latest) > 0 {
		version = asInt(latest[0]["version"]) + 1
	}

	if _, err := s.db.Collection(ColCrawlers).UpdateMany(ctx,
		Document{"source_id": oid, "status": string(CrawlerActive)},
		Document{"$set": Document{"status": string(CrawlerInactive)}},
	); err != nil {
		return nil, err
	}

	now := s.clock()
	crawler := &Crawler{
		SourceID:  oid,
		Version:   version,
		Status:    CrawlerActive,
		DagID:     dagID,
		Code:      code,
		CreatedAt: now,
		CreatedBy: createdBy,
	}

	id, err := s.db.Collection(ColCrawlers).InsertOne(ctx, crawlerToDoc(crawler))
	if err != nil {
		return nil, err
	}
	crawler.ID = id

	if _, err := s.db.Collection(ColCrawlerHistory).InsertOne(ctx, Document{
		"crawler_id": id,
		"source_id":  oid,
		"version":    version,
		"code":       code,
		"created_at": now,
		"created_by": createdBy,
	}); err != nil {
		return nil, err
	}

	if _, err := s.SetSourceStatus(ctx, sourceID, SourceActive); err != nil {
		return nil, err
	}

	return crawler, nil
}

// GetActiveCrawler returns the single active crawler for a source, or
// common.ErrDocumentNotFound when none is bound.
func (s *StoreService) GetActiveCrawler(ctx context.Context, sourceID string) (*Crawler, error) {
	oid, err := ParseIdRef(sourceID)
	if err != nil {
		return nil, err
	}
	doc, err := s.db.Collection(ColCrawlers).FindOne(ctx, Document{
		"source_id": oid, "status": string(CrawlerActive),
	})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, common.NotFound(ColCrawlers, sourceID)
	}
	return docToCrawler(doc), nil
}

// ListCrawlers returns every crawler version for a source, newest first.
func (s *StoreService) ListCrawlers(ctx context.Context, sourceID string) ([]*Crawler, error) {
	oid, err := ParseIdRef(sourceID)
	if err != nil {
		return nil, err
	}
	docs, err := s.db.Collection(ColCrawlers).Find(ctx, Document{"source_id": oid}, &FindOptions{
		Sort: []SortField{{Key: "version", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Crawler, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToCrawler(doc))
	}
	return out, nil
}

// ---------- Crawl results ----------

// RecordCrawlResult persists one pipeline run outcome.
func (s *StoreService) RecordCrawlResult(ctx context.Context, result *CrawlResult) (IdRef, error) {
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = s.clock()
	}
	id, err := s.db.Collection(ColCrawlResults).InsertOne(ctx, crawlResultToDoc(result))
	if err != nil {
		return NilIdRef, err
	}
	result.ID = id
	return id, nil
}

// GetCrawlResult loads one run by id.
func (s *StoreService) GetCrawlResult(ctx context.Context, id string) (*CrawlResult, error) {
	oid, err := ParseIdRef(id)
	if err != nil {
		return nil, err
	}
	doc, err := s.db.Collection(ColCrawlResults).FindOne(ctx, Document{"_id": oid})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, common.NotFound(ColCrawlResults, id)
	}
	return docToCrawlResult(doc), nil
}

// ---------- Error logs ----------

// LogError appends a failure record.
func (s *StoreService) LogError(ctx context.Context, entry *ErrorLog) (IdRef, error) {
	entry.CreatedAt = s.clock()
	entry.Resolved = false
	return s.db.Collection(ColErrorLogs).InsertOne(ctx, errorLogToDoc(entry))
}

// ResolveError marks a failure resolved exactly once.
func (s *StoreService) ResolveError(ctx context.Context, id, method, detail string) (bool, error) {
	oid, err := ParseIdRef(id)
	if err != nil {
		return false, err
	}
	n, err := s.db.Collection(ColErrorLogs).UpdateOne(ctx,
		Document{"_id": oid, "resolved": false},
		Document{"$set": Document{
			"resolved":          true,
			"resolved_at":       s.clock(),
			"resolution_method": method,
			"resolution_detail": detail,
		}},
	)
	return n > 0, err
}

// ---------- Health ----------

// HealthCheck pings the store. Failures never propagate as errors; they
// surface as an unhealthy status with the message attached.
func (s *StoreService) HealthCheck(ctx context.Context) HealthStatus {
	start := s.clock()
	if err := s.db.Ping(ctx); err != nil {
		return HealthStatus{
			Status:   "unhealthy",
			Database: s.db.Name(),
			Error:    err.Error(),
		}
	}
	return HealthStatus{
		Status:    "healthy",
		LatencyMs: s.clock().Sub(start).Milliseconds(),
		Database:  s.db.Name(),
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
