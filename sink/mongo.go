package sink

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const snapshotsCollection = "snapshots"

// MongoNotifier upserts refreshed payloads into the dashboard's document
// database, one document per identity.
type MongoNotifier struct {
	collection *mongo.Collection
}

var _ Notifier = (*MongoNotifier)(nil)

// NewMongoNotifier wraps an existing Mongo database handle.
func NewMongoNotifier(db *mongo.Database) (*MongoNotifier, error) {
	if db == nil {
		return nil, errors.New("[NewMongoNotifier] database is required")
	}
	return &MongoNotifier{collection: db.Collection(snapshotsCollection)}, nil
}

// Notify replaces the identity's dashboard document with the latest payload.
func (m *MongoNotifier) Notify(ctx context.Context, identity string, data map[string]interface{}) error {
	doc := bson.M{
		"identity":   identity,
		"data":       data,
		"updated_at": time.Now().UTC(),
	}
	_, err := m.collection.ReplaceOne(
		ctx,
		bson.M{"identity": identity},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "[MongoNotifier.Notify]")
	}
	return nil
}
