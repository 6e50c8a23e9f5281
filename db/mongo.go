package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"atlas.crawlops.org/common"
	"atlas.crawlops.org/resilience"
)

// MongoConfig configures the Mongo-backed Database.
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxConnectTime time.Duration // total budget for connect retries
}

// MongoDatabase implements Database over the official driver. The store
// connection is guarded by a named circuit breaker from the process-wide
// registry.
type MongoDatabase struct {
	client  *mongo.Client
	db      *mongo.Database
	breaker *resilience.CircuitBreaker
}

// ConnectMongo dials the document store, retrying transient failures with
// exponential backoff until MaxConnectTime elapses.
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*MongoDatabase, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxConnectTime <= 0 {
		cfg.MaxConnectTime = 2 * time.Minute
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, common.ConnectionError(err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return struct{}{}, client.Ping(pingCtx, nil)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.MaxConnectTime))
	if err != nil {
		return nil, common.ConnectionError(err)
	}

	common.Logger.WithField("database", cfg.Database).Info("connected to document store")

	return &MongoDatabase{
		client:  client,
		db:      client.Database(cfg.Database),
		breaker: resilience.GetOrCreate("document-store", resilience.DefaultBreakerConfig()),
	}, nil
}

// Name returns the database name.
func (m *MongoDatabase) Name() string { return m.db.Name() }

// Close disconnects the underlying client.
func (m *MongoDatabase) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Ping runs the lightweight round-trip used by health checks.
func (m *MongoDatabase) Ping(ctx context.Context) error {
	return m.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := m.db.Client().Ping(ctx, nil); err != nil {
			return common.ConnectionError(err)
		}
		return nil
	})
}

// ListCollectionNames lists the collections present in the database.
func (m *MongoDatabase) ListCollectionNames(ctx context.Context) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, wrapMongoError("list_collections", err)
	}
	return names, nil
}

// Collection returns the capability handle for one collection.
func (m *MongoDatabase) Collection(name string) Collection {
	return &mongoCollection{col: m.db.Collection(name), breaker: m.breaker}
}

type mongoCollection struct {
	col     *mongo.Collection
	breaker *resilience.CircuitBreaker
}

// wrapMongoError maps driver errors onto the §7 taxonomy.
func wrapMongoError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return common.DuplicateKey(fmt.Sprintf("%s: duplicate key", op), err)
	case mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		return common.ConnectionError(err)
	default:
		return common.OperationError(op, err)
	}
}

func (c *mongoCollection) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return fn(ctx)
	})
	return err
}

// normalizeDoc rewrites driver container types (primitive.A, primitive.M,
// primitive.D, primitive.DateTime) into the plain []any / Document /
// time.Time shapes the services assert on.
func normalizeDoc(doc Document) Document {
	for k, v := range doc {
		doc[k] = normalizeValue(v)
	}
	return doc
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case primitive.M:
		out := make(Document, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case primitive.D:
		out := make(Document, len(val))
		for _, e := range val {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case primitive.DateTime:
		return val.Time().UTC()
	case Document:
		return normalizeDoc(val)
	case []any:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	default:
		return v
	}
}

func (c *mongoCollection) FindOne(ctx context.Context, filter Document) (Document, error) {
	var out Document
	err := c.guard(ctx, "find_one", func(ctx context.Context) error {
		res := c.col.FindOne(ctx, bson.M(filter))
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil
			}
			return wrapMongoError("find_one", err)
		}
		if err := res.Decode(&out); err != nil {
			return wrapMongoError("find_one", err)
		}
		out = normalizeDoc(out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mongoCollection) Find(ctx context.Context, filter Document, fo *FindOptions) ([]Document, error) {
	var out []Document
	err := c.guard(ctx, "find", func(ctx context.Context) error {
		opts := options.Find()
		if fo != nil {
			if len(fo.Sort) > 0 {
				sort := bson.D{}
				for _, s := range fo.Sort {
					dir := 1
					if s.Desc {
						dir = -1
					}
					sort = append(sort, bson.E{Key: s.Key, Value: dir})
				}
				opts.SetSort(sort)
			}
			if fo.Skip > 0 {
				opts.SetSkip(fo.Skip)
			}
			if fo.Limit > 0 {
				opts.SetLimit(fo.Limit)
			}
		}

		cursor, err := c.col.Find(ctx, bson.M(filter), opts)
		if err != nil {
			return wrapMongoError("find", err)
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc Document
			if err := cursor.Decode(&doc); err != nil {
				return wrapMongoError("find", err)
			}
			out = append(out, normalizeDoc(doc))
		}
		return wrapMongoError("find", cursor.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *mongoCollection) Count(ctx context.Context, filter Document) (int64, error) {
	var n int64
	err := c.guard(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = c.col.CountDocuments(ctx, bson.M(filter))
		return wrapMongoError("count", err)
	})
	return n, err
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc Document) (IdRef, error) {
	var id IdRef
	err := c.guard(ctx, "insert_one", func(ctx context.Context) error {
		res, err := c.col.InsertOne(ctx, bson.M(doc))
		if err != nil {
			return wrapMongoError("insert_one", err)
		}
		if oid, ok := res.InsertedID.(IdRef); ok {
			id = oid
		}
		return nil
	})
	return id, err
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []Document) ([]IdRef, error) {
	var ids []IdRef
	err := c.guard(ctx, "insert_many", func(ctx context.Context) error {
		payload := make([]any, len(docs))
		for i, d := range docs {
			payload[i] = bson.M(d)
		}
		res, err := c.col.InsertMany(ctx, payload)
		if err != nil {
			return wrapMongoError("insert_many", err)
		}
		for _, raw := range res.InsertedIDs {
			if oid, ok := raw.(IdRef); ok {
				ids = append(ids, oid)
			}
		}
		return nil
	})
	return ids, err
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update Document) (int64, error) {
	var n int64
	err := c.guard(ctx, "update_one", func(ctx context.Context) error {
		res, err := c.col.UpdateOne(ctx, bson.M(filter), bson.M(update))
		if err != nil {
			return wrapMongoError("update_one", err)
		}
		n = res.ModifiedCount
		return nil
	})
	return n, err
}

func (c *mongoCollection) UpdateMany(ctx context.Context, filter, update Document) (int64, error) {
	var n int64
	err := c.guard(ctx, "update_many", func(ctx context.Context) error {
		res, err := c.col.UpdateMany(ctx, bson.M(filter), bson.M(update))
		if err != nil {
			return wrapMongoError("update_many", err)
		}
		n = res.ModifiedCount
		return nil
	})
	return n, err
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter Document) (int64, error) {
	var n int64
	err := c.guard(ctx, "delete_one", func(ctx context.Context) error {
		res, err := c.col.DeleteOne(ctx, bson.M(filter))
		if err != nil {
			return wrapMongoError("delete_one", err)
		}
		n = res.DeletedCount
		return nil
	})
	return n, err
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter Document) (int64, error) {
	var n int64
	err := c.guard(ctx, "delete_many", func(ctx context.Context) error {
		res, err := c.col.DeleteMany(ctx, bson.M(filter))
		if err != nil {
			return wrapMongoError("delete_many", err)
		}
		n = res.DeletedCount
		return nil
	})
	return n, err
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline []Document) ([]Document, error) {
	var out []Document
	err := c.guard(ctx, "aggregate", func(ctx context.Context) error {
		stages := make(mongo.Pipeline, 0, len(pipeline))
		for _, stage := range pipeline {
			d := bson.D{}
			for k, v := range stage {
				d = append(d, bson.E{Key: k, Value: v})
			}
			stages = append(stages, d)
		}
		cursor, err := c.col.Aggregate(ctx, stages)
		if err != nil {
			return wrapMongoError("aggregate", err)
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc Document
			if err := cursor.Decode(&doc); err != nil {
				return wrapMongoError("aggregate", err)
			}
			out = append(out, normalizeDoc(doc))
		}
		return wrapMongoError("aggregate", cursor.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
