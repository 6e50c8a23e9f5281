package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/db"
)

// systemCollection describes a known collection auto-registered into the
// catalog.
type systemCollection struct {
	displayName string
	description string
	datasetType DatasetType
	domain      string
}

// systemCollections is the auto-registration set.
var systemCollections = map[string]systemCollection{
	"sources":         {"Crawl Sources", "crawl target sites and files", DatasetSource, "crawler"},
	"crawlers":        {"Crawler Code", "generated extractor code and versions", DatasetSource, "crawler"},
	"crawl_results":   {"Crawl Results", "pipeline run outcomes", DatasetStaging, "crawler"},
	"news_articles":   {"News Articles", "collected news articles", DatasetFinal, "news"},
	"financial_data":  {"Financial Data", "collected financial records", DatasetFinal, "finance"},
	"error_logs":      {"Error Logs", "crawl errors and recovery log", DatasetSource, "monitoring"},
	"schema_registry": {"Schema Registry", "versioned data schemas", DatasetSource, "governance"},
}

// Catalog is the dataset/column/tag service.
type Catalog struct {
	store db.Database
	clock func() time.Time
}

// NewCatalog creates a catalog over the given store.
func NewCatalog(store db.Database) *Catalog {
	return &Catalog{store: store, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock injects a time source for tests.
func (c *Catalog) WithClock(clock func() time.Time) *Catalog {
	c.clock = clock
	return c
}

// CreateDataset registers a new dataset in draft state. A duplicate name
// surfaces common.ErrDuplicateName.
func (c *Catalog) CreateDataset(ctx context.Context, dataset *Dataset) (*Dataset, error) {
	existing, err := c.store.Collection(db.ColDataCatalog).FindOne(ctx, db.Document{"name": dataset.Name})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, common.NewError(common.ErrDuplicateName, "E108",
			fmt.Sprintf("dataset with name %q already exists", dataset.Name))
	}

	now := c.clock()
	dataset.Status = StatusDraft
	dataset.CreatedAt = now
	if dataset.DisplayName == "" {
		dataset.DisplayName = dataset.Name
	}
	if dataset.CollectionName == "" {
		dataset.CollectionName = dataset.Name
	}

	doc := datasetToDoc(dataset)
	id, err := c.store.Collection(db.ColDataCatalog).InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	dataset.ID = id.Hex()

	if len(dataset.Columns) > 0 {
		if err := c.saveColumns(ctx, dataset.ID, dataset.Columns); err != nil {
			return nil, err
		}
	}
	if len(dataset.Tags) > 0 {
		c.incrementTagUsage(ctx, dataset.Tags)
	}

	common.Logger.WithField("dataset_id", dataset.ID).WithField("name", dataset.Name).Info("dataset created")
	return dataset, nil
}

// GetDataset loads one dataset by id.
func (c *Catalog) GetDataset(ctx context.Context, datasetID string) (*Dataset, error) {
	oid, err := db.ParseIdRef(datasetID)
	if err != nil {
		return nil, err
	}
	doc, err := c.store.Collection(db.ColDataCatalog).FindOne(ctx, db.Document{"_id": oid})
	if err != nil || doc == nil {
		return nil, err
	}
	return docToDataset(doc), nil
}

// GetDatasetByName loads one dataset by its unique name.
func (c *Catalog) GetDatasetByName(ctx context.Context, name string) (*Dataset, error) {
	doc, err := c.store.Collection(db.ColDataCatalog).FindOne(ctx, db.Document{"name": name})
	if err != nil || doc == nil {
		return nil, err
	}
	return docToDataset(doc), nil
}

// GetDatasetByCollection loads the dataset cataloging a collection.
func (c *Catalog) GetDatasetByCollection(ctx context.Context, collectionName string) (*Dataset, error) {
	doc, err := c.store.Collection(db.ColDataCatalog).FindOne(ctx, db.Document{"collection_name": collectionName})
	if err != nil || doc == nil {
		return nil, err
	}
	return docToDataset(doc), nil
}

// ListDatasets returns datasets matching the filter with pagination.
func (c *Catalog) ListDatasets(ctx context.Context, filter db.Document, skip, limit int64) ([]*Dataset, error) {
	docs, err := c.store.Collection(db.ColDataCatalog).Find(ctx, filter, &db.FindOptions{
		Sort:  []db.SortField{{Key: "name"}},
		Skip:  skip,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Dataset, 0, len(docs))
	for _, doc := range docs {
		out = append(out, docToDataset(doc))
	}
	return out, nil
}

// UpdateDataset applies a patch and stamps updated_at. Embedded columns
// patches are mirrored into data_columns to keep both copies in sync.
func (c *Catalog) UpdateDataset(ctx context.Context, datasetID string, patch db.Document) (bool, error) {
	oid, err := db.ParseIdRef(datasetID)
	if err != nil {
		return false, err
	}
	patch["updated_at"] = c.clock()
	n, err := c.store.Collection(db.ColDataCatalog).UpdateOne(ctx,
		db.Document{"_id": oid}, db.Document{"$set": patch})
	if err != nil {
		return false, err
	}

	if raw, ok := patch["columns"]; ok {
		if cols := columnsFromAny(raw); cols != nil {
			if err := c.saveColumns(ctx, datasetID, cols); err != nil {
				return n > 0, err
			}
		}
	}
	return n > 0, nil
}

// UpdateStatus transitions the dataset lifecycle.
func (c *Catalog) UpdateStatus(ctx context.Context, datasetID string, status DatasetStatus) (bool, error) {
	return c.UpdateDataset(ctx, datasetID, db.Document{"status": string(status)})
}

// DeleteDataset removes a dataset and its separate column rows.
func (c *Catalog) DeleteDataset(ctx context.Context, datasetID string) (bool, error) {
	oid, err := db.ParseIdRef(datasetID)
	if err != nil {
		return false, err
	}
	if _, err := c.store.Collection(db.ColDataColumns).DeleteMany(ctx, db.Document{"dataset_id": datasetID}); err != nil {
		return false, err
	}
	n, err := c.store.Collection(db.ColDataCatalog).DeleteOne(ctx, db.Document{"_id": oid})
	return n > 0, err
}

// ---------- Columns ----------

// saveColumns replaces the separate data_columns rows for a dataset.
// The embedded copy on the dataset is the display model; the separate
// rows enable cross-dataset column search.
func (c *Catalog) saveColumns(ctx context.Context, datasetID string, columns []Column) error {
	if _, err := c.store.Collection(db.ColDataColumns).DeleteMany(ctx, db.Document{"dataset_id": datasetID}); err != nil {
		return err
	}
	for _, col := range columns {
		doc := toDoc(col)
		doc["dataset_id"] = datasetID
		if _, err := c.store.Collection(db.ColDataColumns).InsertOne(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// GetColumns returns the separate column rows for a dataset.
func (c *Catalog) GetColumns(ctx context.Context, datasetID string) ([]Column, error) {
	docs, err := c.store.Collection(db.ColDataColumns).Find(ctx, db.Document{"dataset_id": datasetID}, &db.FindOptions{
		Sort: []db.SortField{{Key: "name"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Column, 0, len(docs))
	for _, doc := range docs {
		var col Column
		fromDoc(doc, &col)
		out = append(out, col)
	}
	return out, nil
}

// AddColumn appends a column to both the embedded list and the separate
// rows.
func (c *Catalog) AddColumn(ctx context.Context, datasetID string, column Column) error {
	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if dataset == nil {
		return common.NotFound(db.ColDataCatalog, datasetID)
	}
	if dataset.GetColumn(column.Name) != nil {
		return common.NewError(common.ErrDuplicateField, "E109",
			fmt.Sprintf("column %q already exists on dataset %s", column.Name, datasetID))
	}

	column.CreatedAt = c.clock()
	dataset.Columns = append(dataset.Columns, column)

	_, err = c.UpdateDataset(ctx, datasetID, db.Document{"columns": columnsToAny(dataset.Columns)})
	return err
}

// UpdateColumnStatistics replaces a column's regenerated statistics in
// both copies.
func (c *Catalog) UpdateColumnStatistics(ctx context.Context, datasetID, columnName string, stats ColumnStatistics) error {
	now := c.clock()
	stats.LastComputedAt = &now

	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if dataset == nil {
		return common.NotFound(db.ColDataCatalog, datasetID)
	}
	col := dataset.GetColumn(columnName)
	if col == nil {
		return common.NotFound(db.ColDataColumns, columnName)
	}
	col.Statistics = &stats
	col.UpdatedAt = &now

	if _, err := c.UpdateDataset(ctx, datasetID, db.Document{"columns": columnsToAny(dataset.Columns)}); err != nil {
		return err
	}
	return nil
}

// ---------- Tags ----------

// CreateTag registers a tag; duplicate names surface ErrDuplicateName.
func (c *Catalog) CreateTag(ctx context.Context, tag Tag) (*Tag, error) {
	existing, err := c.store.Collection(db.ColDataTags).FindOne(ctx, db.Document{"name": tag.Name})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, common.NewError(common.ErrDuplicateName, "E110",
			fmt.Sprintf("tag %q already exists", tag.Name))
	}

	tag.CreatedAt = c.clock()
	if tag.Category == "" {
		tag.Category = TagCustom
	}
	if tag.Color == "" {
		tag.Color = "#808080"
	}
	if _, err := c.store.Collection(db.ColDataTags).InsertOne(ctx, toDoc(tag)); err != nil {
		return nil, err
	}
	return &tag, nil
}

// GetTag loads one tag by name.
func (c *Catalog) GetTag(ctx context.Context, name string) (*Tag, error) {
	doc, err := c.store.Collection(db.ColDataTags).FindOne(ctx, db.Document{"name": name})
	if err != nil || doc == nil {
		return nil, err
	}
	var tag Tag
	fromDoc(doc, &tag)
	return &tag, nil
}

// ListTags returns tags, optionally filtered by category, most used
// first.
func (c *Catalog) ListTags(ctx context.Context, category TagCategory) ([]Tag, error) {
	filter := db.Document{}
	if category != "" {
		filter["category"] = string(category)
	}
	docs, err := c.store.Collection(db.ColDataTags).Find(ctx, filter, &db.FindOptions{
		Sort: []db.SortField{{Key: "usage_count", Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Tag, 0, len(docs))
	for _, doc := range docs {
		var tag Tag
		fromDoc(doc, &tag)
		out = append(out, tag)
	}
	return out, nil
}

// incrementTagUsage bumps usage counters; missing tags are created as
// custom tags on first use.
func (c *Catalog) incrementTagUsage(ctx context.Context, names []string) {
	for _, name := range names {
		n, err := c.store.Collection(db.ColDataTags).UpdateOne(ctx,
			db.Document{"name": name},
			db.Document{"$inc": db.Document{"usage_count": 1}},
		)
		if err != nil {
			common.Logger.Warnf("tag usage increment failed for %q: %v", name, err)
			continue
		}
		if n == 0 {
			if _, err := c.CreateTag(ctx, Tag{Name: name, Category: TagCustom, UsageCount: 1}); err != nil {
				common.Logger.Warnf("implicit tag create failed for %q: %v", name, err)
			}
		}
	}
}

// AddTags attaches tags to a dataset, bumping usage counters.
func (c *Catalog) AddTags(ctx context.Context, datasetID string, tags []string) (bool, error) {
	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	if dataset == nil {
		return false, common.NotFound(db.ColDataCatalog, datasetID)
	}

	merged := dataset.Tags
	var added []string
	for _, tag := range tags {
		exists := false
		for _, have := range merged {
			if have == tag {
				exists = true
				break
			}
		}
		if !exists {
			merged = append(merged, tag)
			added = append(added, tag)
		}
	}
	if len(added) == 0 {
		return false, nil
	}

	ok, err := c.UpdateDataset(ctx, datasetID, db.Document{"tags": merged})
	if err != nil {
		return false, err
	}
	c.incrementTagUsage(ctx, added)
	return ok, nil
}

// RemoveTags detaches tags from a dataset. Usage counters are NOT
// decremented; the counter records lifetime attachments.
func (c *Catalog) RemoveTags(ctx context.Context, datasetID string, tags []string) (bool, error) {
	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	if dataset == nil {
		return false, common.NotFound(db.ColDataCatalog, datasetID)
	}

	remove := map[string]struct{}{}
	for _, tag := range tags {
		remove[tag] = struct{}{}
	}
	kept := make([]string, 0, len(dataset.Tags))
	for _, tag := range dataset.Tags {
		if _, drop := remove[tag]; !drop {
			kept = append(kept, tag)
		}
	}
	if len(kept) == len(dataset.Tags) {
		return false, nil
	}
	return c.UpdateDataset(ctx, datasetID, db.Document{"tags": kept})
}

// ---------- Quality & owners ----------

// UpdateQualityMetrics attaches recomputed quality metrics. The overall
// score is always derived from the fixed weights.
func (c *Catalog) UpdateQualityMetrics(ctx context.Context, datasetID string, metrics QualityMetrics) (bool, error) {
	now := c.clock()
	metrics.LastAssessedAt = &now
	metrics.CalculateOverall()
	return c.UpdateDataset(ctx, datasetID, db.Document{"quality_metrics": toDoc(metrics)})
}

// AddOwner assigns an owner to the dataset.
func (c *Catalog) AddOwner(ctx context.Context, datasetID string, owner Owner) (bool, error) {
	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	if dataset == nil {
		return false, common.NotFound(db.ColDataCatalog, datasetID)
	}

	owner.AssignedAt = c.clock()
	if owner.Role == "" {
		owner.Role = "owner"
	}
	kept := make([]Owner, 0, len(dataset.Owners)+1)
	for _, o := range dataset.Owners {
		if o.UserID != owner.UserID {
			kept = append(kept, o)
		}
	}
	kept = append(kept, owner)

	owners := make([]any, 0, len(kept))
	for _, o := range kept {
		owners = append(owners, toDoc(o))
	}
	return c.UpdateDataset(ctx, datasetID, db.Document{"owners": owners})
}

// RemoveOwner unassigns a user.
func (c *Catalog) RemoveOwner(ctx context.Context, datasetID, userID string) (bool, error) {
	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	if dataset == nil {
		return false, common.NotFound(db.ColDataCatalog, datasetID)
	}

	kept := make([]any, 0, len(dataset.Owners))
	removed := false
	for _, o := range dataset.Owners {
		if o.UserID == userID {
			removed = true
			continue
		}
		kept = append(kept, toDoc(o))
	}
	if !removed {
		return false, nil
	}
	return c.UpdateDataset(ctx, datasetID, db.Document{"owners": kept})
}

// RecordAccess bumps the dataset access counters.
func (c *Catalog) RecordAccess(ctx context.Context, datasetID string) error {
	oid, err := db.ParseIdRef(datasetID)
	if err != nil {
		return err
	}
	_, err = c.store.Collection(db.ColDataCatalog).UpdateOne(ctx,
		db.Document{"_id": oid},
		db.Document{
			"$inc": db.Document{"access_count": 1},
			"$set": db.Document{"last_accessed_at": c.clock()},
		},
	)
	return err
}

// ---------- Auto registration ----------

// RegisterExistingCollections catalogs the known system collections and
// any staging_* collection present in the store, inferring columns from
// up to 100 sampled documents.
func (c *Catalog) RegisterExistingCollections(ctx context.Context) ([]*Dataset, error) {
	names, err := c.store.ListCollectionNames(ctx)
	if err != nil {
		return nil, err
	}
	present := map[string]struct{}{}
	for _, name := range names {
		present[name] = struct{}{}
	}

	var registered []*Dataset

	ordered := make([]string, 0, len(systemCollections))
	for name := range systemCollections {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		config := systemCollections[name]
		if _, ok := present[name]; !ok {
			continue
		}
		existing, err := c.GetDatasetByCollection(ctx, name)
		if err != nil {
			return registered, err
		}
		if existing != nil {
			continue
		}

		columns, err := c.detectSchemaFromCollection(ctx, name, 100)
		if err != nil {
			common.Logger.Errorf("failed to sample %s: %v", name, err)
			continue
		}

		dataset, err := c.CreateDataset(ctx, &Dataset{
			Name:           name,
			DisplayName:    config.displayName,
			Description:    config.description,
			DatasetType:    config.datasetType,
			CollectionName: name,
			Columns:        columns,
			Domain:         config.domain,
			CreatedBy:      "auto_registration",
		})
		if err != nil {
			common.Logger.Errorf("failed to register %s: %v", name, err)
			continue
		}
		registered = append(registered, dataset)
		common.Logger.WithField("collection", name).Info("auto-registered collection")
	}

	for _, name := range names {
		if !strings.HasPrefix(name, "staging_") {
			continue
		}
		existing, err := c.GetDatasetByCollection(ctx, name)
		if err != nil {
			return registered, err
		}
		if existing != nil {
			continue
		}

		columns, err := c.detectSchemaFromCollection(ctx, name, 100)
		if err != nil {
			continue
		}
		sourceName := strings.TrimPrefix(name, "staging_")

		dataset, err := c.CreateDataset(ctx, &Dataset{
			Name:           name,
			Description:    fmt.Sprintf("staging data for %s sources", sourceName),
			DatasetType:    DatasetStaging,
			CollectionName: name,
			Columns:        columns,
			Domain:         "staging",
			CreatedBy:      "auto_registration",
		})
		if err != nil {
			common.Logger.Errorf("failed to register %s: %v", name, err)
			continue
		}
		registered = append(registered, dataset)
	}

	return registered, nil
}

// detectSchemaFromCollection samples documents and infers columns: mode
// type per field, nullable when any null observed, _id flagged as
// primary key.
func (c *Catalog) detectSchemaFromCollection(ctx context.Context, collection string, sampleSize int64) ([]Column, error) {
	samples, err := c.store.Collection(collection).Find(ctx, db.Document{}, &db.FindOptions{Limit: sampleSize})
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	typeCounts := map[string]map[ColumnType]int{}
	nullCounts := map[string]int{}

	for _, doc := range samples {
		for field, value := range doc {
			if typeCounts[field] == nil {
				typeCounts[field] = map[ColumnType]int{}
			}
			typeCounts[field][inferColumnType(value)]++
			if value == nil {
				nullCounts[field]++
			}
		}
	}

	fields := make([]string, 0, len(typeCounts))
	for field := range typeCounts {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	now := c.clock()
	columns := make([]Column, 0, len(fields))
	for _, field := range fields {
		best, bestCount := ColUnknown, -1
		for colType, count := range typeCounts[field] {
			if count > bestCount || (count == bestCount && colType < best) {
				best, bestCount = colType, count
			}
		}
		columns = append(columns, Column{
			Name:         field,
			DataType:     best,
			IsNullable:   nullCounts[field] > 0,
			IsPrimaryKey: field == "_id",
			CreatedAt:    now,
		})
	}
	return columns, nil
}

func inferColumnType(value any) ColumnType {
	switch value.(type) {
	case nil:
		return ColUnknown
	case bool:
		return ColBoolean
	case int, int32, int64:
		return ColInteger
	case float32, float64:
		return ColFloat
	case time.Time:
		return ColDatetime
	case []any:
		return ColArray
	case map[string]any:
		return ColObject
	case []byte:
		return ColBinary
	case db.IdRef:
		return ColString
	default:
		return ColString
	}
}

// ---------- Statistics ----------

// GetStatistics computes catalog-wide counters.
func (c *Catalog) GetStatistics(ctx context.Context) (*Statistics, error) {
	datasets, err := c.ListDatasets(ctx, db.Document{}, 0, 0)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		DatasetsByType:   map[string]int64{},
		DatasetsByDomain: map[string]int64{},
		DatasetsByStatus: map[string]int64{},
		ComputedAt:       c.clock(),
	}

	var qualitySum float64
	var qualityCount int64

	for _, dataset := range datasets {
		stats.TotalDatasets++
		if dataset.Status == StatusActive {
			stats.ActiveDatasets++
		}
		stats.DatasetsByType[string(dataset.DatasetType)]++
		stats.DatasetsByStatus[string(dataset.Status)]++
		if dataset.Domain != "" {
			stats.DatasetsByDomain[dataset.Domain]++
		}
		for _, col := range dataset.Columns {
			stats.TotalColumns++
			if col.Description != "" {
				stats.DocumentedColumns++
			}
		}
		if dataset.Quality != nil && dataset.Quality.OverallScore > 0 {
			qualitySum += dataset.Quality.OverallScore
			qualityCount++
		}
	}

	if qualityCount > 0 {
		stats.AvgQualityScore = qualitySum / float64(qualityCount)
	}

	stats.TotalTags, err = c.store.Collection(db.ColDataTags).Count(ctx, db.Document{})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// UpdateDatasetStats refreshes record_count from the cataloged
// collection.
func (c *Catalog) UpdateDatasetStats(ctx context.Context, datasetID string) (bool, error) {
	dataset, err := c.GetDataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	if dataset == nil {
		return false, common.NotFound(db.ColDataCatalog, datasetID)
	}

	count, err := c.store.Collection(dataset.CollectionName).Count(ctx, db.Document{})
	if err != nil {
		return false, err
	}
	return c.UpdateDataset(ctx, datasetID, db.Document{
		"record_count":    count,
		"last_updated_at": c.clock(),
	})
}

// ---------- Serialization ----------

func toDoc(v any) db.Document {
	data, err := json.Marshal(v)
	if err != nil {
		return db.Document{}
	}
	var out db.Document
	if err := json.Unmarshal(data, &out); err != nil {
		return db.Document{}
	}
	return out
}

func fromDoc(doc db.Document, target any) {
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, target)
}

func datasetToDoc(d *Dataset) db.Document {
	doc := toDoc(d)
	delete(doc, "id")
	return doc
}

func docToDataset(doc db.Document) *Dataset {
	id := ""
	if oid, ok := doc["_id"].(db.IdRef); ok {
		id = oid.Hex()
	}
	clean := db.Document{}
	for k, v := range doc {
		if k != "_id" {
			clean[k] = v
		}
	}
	var dataset Dataset
	fromDoc(clean, &dataset)
	dataset.ID = id
	return &dataset
}

func columnsToAny(columns []Column) []any {
	out := make([]any, 0, len(columns))
	for _, col := range columns {
		out = append(out, toDoc(col))
	}
	return out
}

func columnsFromAny(raw any) []Column {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Column, 0, len(items))
	for _, item := range items {
		doc, ok := item.(db.Document)
		if !ok {
			continue
		}
		var col Column
		fromDoc(doc, &col)
		out = append(out, col)
	}
	return out
}
