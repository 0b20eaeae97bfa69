// Package mongostore keeps a configuration document in a MongoDB
// collection, one document per logical store ID.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akarev/fleetexec/pkg/config/configstore"
)

var _ configstore.Store = (*MongoStore)(nil)

const connectTimeout = 10 * time.Second

type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	ID         string // document _id, e.g. an inventory name
}

func New(uri, dbName, collName, id string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
		ID:         id,
	}, nil
}

func (m *MongoStore) Load(out any) error {
	res := m.Collection.FindOne(context.Background(), bson.M{"_id": m.ID})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("mongostore: document %q not found", m.ID)
		}
		return fmt.Errorf("mongostore: find %q: %w", m.ID, err)
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("mongostore: decode %q: %w", m.ID, err)
	}
	return nil
}

func (m *MongoStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("mongostore: Save input must not be nil")
	}
	_, err := m.Collection.ReplaceOne(
		context.Background(),
		bson.M{"_id": m.ID},
		in,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: replace %q: %w", m.ID, err)
	}
	return nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
