package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

const (
	keysCollection = "encryption_keys"
	metaCollection = "encryption_meta"

	saltDocId = "master_salt"
)

// MongoStore implements the key catalogue over MongoDB. Records live in the
// encryption_keys collection keyed by _id; the derivation salt lives in a
// fixed document in encryption_meta.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore creates a MongoDB-backed key catalogue.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// Put inserts or replaces a key record.
func (s *MongoStore) Put(ctx context.Context, rec *types.KeyRecord) error {
	_, err := s.db.Collection(keysCollection).ReplaceOne(
		ctx,
		bson.M{"_id": rec.Id},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store key record: %w", err)
	}
	return nil
}

// Get returns a record by id, or (nil, nil) when the id is not catalogued.
func (s *MongoStore) Get(ctx context.Context, id string) (*types.KeyRecord, error) {
	var rec types.KeyRecord
	err := s.db.Collection(keysCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key record: %w", err)
	}
	return &rec, nil
}

// List returns all catalogued records.
func (s *MongoStore) List(ctx context.Context) ([]*types.KeyRecord, error) {
	cursor, err := s.db.Collection(keysCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}
	defer cursor.Close(ctx)

	var recs []*types.KeyRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode key records: %w", err)
	}
	return recs, nil
}

// UpdateStatus transitions a record's lifecycle status.
func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status types.KeyStatus) error {
	res, err := s.db.Collection(keysCollection).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return fmt.Errorf("failed to update key status: %w", err)
	}
	if res.MatchedCount == 0 {
		return &types.KeyNotFoundError{KeyId: id}
	}
	return nil
}

// SetExpiry sets a record's expiry deadline.
func (s *MongoStore) SetExpiry(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.Collection(keysCollection).UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"expiresAt": at.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to set key expiry: %w", err)
	}
	if res.MatchedCount == 0 {
		return &types.KeyNotFoundError{KeyId: id}
	}
	return nil
}

// SaveSalt persists the master key derivation salt.
func (s *MongoStore) SaveSalt(ctx context.Context, salt []byte) error {
	_, err := s.db.Collection(metaCollection).UpdateOne(
		ctx,
		bson.M{"_id": saltDocId},
		bson.M{"$set": bson.M{"salt": salt, "updatedAt": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store master salt: %w", err)
	}
	return nil
}

// LoadSalt reads the derivation salt, returning (nil, nil) when none exists.
func (s *MongoStore) LoadSalt(ctx context.Context) ([]byte, error) {
	var doc struct {
		Salt []byte `bson:"salt"`
	}
	err := s.db.Collection(metaCollection).FindOne(ctx, bson.M{"_id": saltDocId}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read master salt: %w", err)
	}
	return doc.Salt, nil
}
