// Package store persists [record.Record] documents in MongoDB: the
// canonical system of record for everything the service has ingested.
// Retrieval by id, paginated listing, random sampling, and radius counting
// all live here; free-text search and aggregation are the search index's
// job (see [internal/searchindex]).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/record"
)

const recordsCollection = "records"

// Store wraps the records collection.
type Store struct {
	collection *mongo.Collection
	metrics    *observability.Metrics
}

// New wraps an existing Mongo database handle. Call [Store.EnsureIndexes]
// once at startup.
func New(db *mongo.Database, metrics *observability.Metrics) *Store {
	return &Store{collection: db.Collection(recordsCollection), metrics: metrics}
}

// Connect dials uri and returns a ready-to-use Store backed by database.
func Connect(ctx context.Context, uri, database string, metrics *observability.Metrics) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(client.Database(database), metrics), client.Disconnect, nil
}

// EnsureIndexes creates the indexes the query surface relies on. Safe to
// call repeatedly; Mongo no-ops on an existing identical index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "file_name", Value: "text"}}},
		{Keys: bson.D{{Key: "file_hash", Value: 1}}},
		{Keys: bson.D{{Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "region", Value: 1}}},
		{Keys: bson.D{{Key: "magnitude", Value: -1}}},
		{Keys: bson.D{{Key: "maximum_acceleration", Value: -1}}},
		{Keys: bson.D{{Key: "event_time", Value: -1}}},
		{Keys: bson.D{{Key: "event_location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "depth", Value: 1}}},
		{Keys: bson.D{{Key: "station_code", Value: 1}}},
		{Keys: bson.D{{Key: "station_location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "direction", Value: 1}}},
		{Keys: bson.D{
			{Key: "magnitude", Value: -1},
			{Key: "maximum_acceleration", Value: -1},
			{Key: "event_time", Value: -1},
			{Key: "direction", Value: 1},
			{Key: "event_location", Value: "2dsphere"},
		}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("store: ensure indexes: %w", err)
	}
	return nil
}

// Save upserts rec by id. If overwrite is true and an existing document
// shares rec's file_hash, that document is removed first so the insert
// doesn't collide on the unique id computed from its own identity fields;
// if overwrite is false and a document with the same file_hash already
// exists, Save is a no-op and returns (false, nil).
func (s *Store) Save(ctx context.Context, rec record.Record, overwrite bool) (saved bool, err error) {
	start := time.Now()
	defer func() { s.observe("save", start) }()

	existing, err := s.findByHash(ctx, rec.FileHash)
	if err != nil {
		return false, err
	}
	if existing != "" {
		if !overwrite {
			return false, nil
		}
		if _, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: existing}}); err != nil {
			return false, fmt.Errorf("store: delete existing: %w", err)
		}
	}

	_, err = s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("store: save: %w", err)
	}
	return true, nil
}

func (s *Store) findByHash(ctx context.Context, hash string) (id string, err error) {
	if hash == "" {
		return "", nil
	}
	var doc struct {
		ID string `bson:"_id"`
	}
	err = s.collection.FindOne(ctx, bson.D{{Key: "file_hash", Value: hash}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: find by hash: %w", err)
	}
	return doc.ID, nil
}

// FindOne fetches a single record by id.
func (s *Store) FindOne(ctx context.Context, id string) (record.Record, error) {
	start := time.Now()
	defer func() { s.observe("find_one", start) }()

	var rec record.Record
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.Record{}, fmt.Errorf("store: %w", ErrNotFound)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("store: find one: %w", err)
	}
	return rec, nil
}

// ErrNotFound is returned by FindOne when no matching document exists.
var ErrNotFound = errors.New("record not found")

// Find lists records matching filter, skipping skip and returning at most
// limit, sorted by sortField (descending when sortDescending is true). When
// metadataOnly is true, raw_data is excluded from the projection to keep
// listing responses small.
func (s *Store) Find(ctx context.Context, filter map[string]any, skip, limit int64, sortField string, sortDescending, metadataOnly bool) ([]record.Record, error) {
	start := time.Now()
	defer func() { s.observe("find", start) }()

	opts := options.Find().SetSkip(skip).SetLimit(limit)
	if sortField != "" {
		order := 1
		if sortDescending {
			order = -1
		}
		opts.SetSort(bson.D{{Key: sortField, Value: order}})
	}
	if metadataOnly {
		opts.SetProjection(bson.D{{Key: "raw_data", Value: 0}})
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: find: %w", err)
	}
	defer cursor.Close(ctx)

	var records []record.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("store: decode results: %w", err)
	}
	return records, nil
}

// AggregateSample returns n randomly sampled records via Mongo's $sample
// aggregation stage, used by the jackpot/random-record endpoints.
func (s *Store) AggregateSample(ctx context.Context, filter map[string]any, n int) ([]record.Record, error) {
	start := time.Now()
	defer func() { s.observe("aggregate_sample", start) }()

	pipeline := mongo.Pipeline{}
	if len(filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: filter}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$sample", Value: bson.D{{Key: "size", Value: n}}}})

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate sample: %w", err)
	}
	defer cursor.Close(ctx)

	var records []record.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("store: decode sample: %w", err)
	}
	return records, nil
}

// Count returns the number of records matching filter.
func (s *Store) Count(ctx context.Context, filter map[string]any) (int64, error) {
	start := time.Now()
	defer func() { s.observe("count", start) }()

	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// CountWithinRadius counts records whose geoField lies within radiusKm of
// (lon, lat), using a $geoNear aggregation stage so the 2dsphere index is
// exercised even for a pure count.
func (s *Store) CountWithinRadius(ctx context.Context, geoField string, lon, lat, radiusKm float64) (int64, error) {
	start := time.Now()
	defer func() { s.observe("count_within_radius", start) }()

	pipeline := mongo.Pipeline{
		{{Key: "$geoNear", Value: bson.D{
			{Key: "near", Value: bson.D{{Key: "type", Value: "Point"}, {Key: "coordinates", Value: []float64{lon, lat}}}},
			{Key: "distanceField", Value: "_distance"},
			{Key: "maxDistance", Value: radiusKm * 1000},
			{Key: "key", Value: geoField},
		}}},
		{{Key: "$count", Value: "matched"}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("store: count within radius: %w", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Matched int64 `bson:"matched"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return 0, fmt.Errorf("store: decode radius count: %w", err)
		}
	}
	return result.Matched, nil
}

// Delete removes the record with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { s.observe("delete", start) }()

	res, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("store: %w", ErrNotFound)
	}
	return nil
}

func (s *Store) observe(operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.MongoOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
