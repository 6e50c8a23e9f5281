package db

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"atlas.crawlops.org/common"
)

// indexSpec declares one index created at startup.
type indexSpec struct {
	collection string
	keys       bson.D
	unique     bool
}

// startupIndexes is the index set required by the query paths.
var startupIndexes = []indexSpec{
	{ColSources, bson.D{{Key: "name", Value: 1}}, true},
	{ColCrawlers, bson.D{{Key: "source_id", Value: 1}, {Key: "status", Value: 1}}, false},
	{ColCrawlers, bson.D{{Key: "source_id", Value: 1}, {Key: "version", Value: -1}}, false},
	{ColCrawlResults, bson.D{{Key: "source_id", Value: 1}, {Key: "executed_at", Value: -1}}, false},
	{ColErrorLogs, bson.D{{Key: "resolved", Value: 1}, {Key: "created_at", Value: -1}}, false},
	{ColSchemaRegistry, bson.D{{Key: "source_id", Value: 1}, {Key: "version", Value: -1}}, false},
	{ColSchemaRegistry, bson.D{{Key: "fingerprint", Value: 1}}, false},
	{ColDataCatalog, bson.D{{Key: "name", Value: 1}}, true},
	{ColDataColumns, bson.D{{Key: "dataset_id", Value: 1}, {Key: "name", Value: 1}}, false},
	{ColDataLineage, bson.D{{Key: "source_id", Value: 1}, {Key: "target_id", Value: 1}}, true},
	{ColDataReviews, bson.D{{Key: "review_status", Value: 1}, {Key: "created_at", Value: 1}}, false},
	{ColPipelineMetrics, bson.D{{Key: "source_id", Value: 1}, {Key: "started_at", Value: -1}}, false},
	{ColFreshnessConfig, bson.D{{Key: "source_id", Value: 1}}, true},
	{ColAlertHistory, bson.D{{Key: "triggered_at", Value: -1}}, false},
}

// EnsureIndexes creates the startup index set. Safe to call repeatedly.
func (m *MongoDatabase) EnsureIndexes(ctx context.Context) error {
	for _, spec := range startupIndexes {
		model := mongo.IndexModel{Keys: spec.keys}
		if spec.unique {
			opts := options.Index().SetUnique(true)
			if spec.collection == ColDataLineage {
				// Promotion audit rows share this collection and carry no
				// target_id; uniqueness applies to catalog edges only.
				opts.SetPartialFilterExpression(bson.M{"target_id": bson.M{"$exists": true}})
			}
			model.Options = opts
		}
		if _, err := m.db.Collection(spec.collection).Indexes().CreateOne(ctx, model); err != nil {
			return wrapMongoError("create_index", err)
		}
	}
	common.Logger.WithField("count", len(startupIndexes)).Info("startup indexes ensured")
	return nil
}
