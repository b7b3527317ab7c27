package jobstore

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/menta2k/debris-scan/pkg/types"
)

const jobsCollection = "jobs"

// MongoStore persists job records in a MongoDB collection. The record
// version doubles as the optimistic concurrency token: Update only
// replaces a document whose version still matches the one it loaded.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger golog.Logger
}

// NewMongoStore connects to MongoDB and verifies the connection before
// returning.
func NewMongoStore(ctx context.Context, uri, database string, logger golog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongodb")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if derr := client.Disconnect(ctx); derr != nil {
			logger.Errorw("disconnect after failed ping", "error", derr)
		}
		return nil, errors.Wrap(err, "pinging mongodb")
	}
	logger.Infow("connected to mongodb", "database", database)
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(jobsCollection),
		logger: logger,
	}, nil
}

// Create inserts a new record at version 1.
func (s *MongoStore) Create(ctx context.Context, rec *types.JobRecord) error {
	stored := rec.Clone()
	stored.Version = 1
	if stored.Updated.IsZero() {
		stored.Updated = stored.Created
	}
	if _, err := s.coll.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return errors.Wrap(err, "inserting job")
	}
	return nil
}

// Get loads one record by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*types.JobRecord, error) {
	var rec types.JobRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading job")
	}
	return &rec, nil
}

// Update runs the load-mutate-replace loop until the replace matches
// the loaded version or the attempts run out.
func (s *MongoStore) Update(ctx context.Context, id string, mutate func(*types.JobRecord) error) (*types.JobRecord, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := rec.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		if err := checkTransition(rec, next); err != nil {
			return nil, err
		}
		next.Version = rec.Version + 1
		next.Updated = time.Now().UTC()

		res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": rec.Version}, next)
		if err != nil {
			return nil, errors.Wrap(err, "replacing job")
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		s.logger.Debugw("job update raced, retrying", "job", id, "attempt", attempt+1)
	}
	return nil, errors.Errorf("job %s: update contention persisted after %d attempts", id, maxCASAttempts)
}

// List returns all records, newest first.
func (s *MongoStore) List(ctx context.Context) ([]*types.JobRecord, error) {
	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created", Value: -1}}))
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	var out []*types.JobRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decoding jobs")
	}
	return out, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
