// Package mongostore persists change records in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/pkg/model"
)

// DefaultCollection holds change records unless overridden.
const DefaultCollection = "change_records"

// Store is a store.Store backed by a MongoDB collection. Each record's _id
// is "<documentID>:<version>", which makes the pair unique.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ store.Store = (*Store)(nil)

type recordDoc struct {
	ID                 string `bson:"_id"`
	model.ChangeRecord `bson:",inline"`
}

// Open connects to uri and uses database. The connection is verified with
// a ping before returning.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = "collab"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(DefaultCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "version", Value: -1}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &Store{client: client, coll: coll}, nil
}

func recordID(documentID string, version int64) string {
	return fmt.Sprintf("%s:%d", documentID, version)
}

// Save implements store.Store. The insert is ordered; if it fails part way
// the records already written by this call are removed again.
func (s *Store) Save(ctx context.Context, records []model.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]any, len(records))
	for i, r := range records {
		r.Timestamp = r.Timestamp.UTC().Truncate(time.Millisecond)
		docs[i] = recordDoc{ID: recordID(r.DocumentID, r.Version), ChangeRecord: r}
	}

	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return nil
	}

	written := 0
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		written = bwe.WriteErrors[0].Index
	}
	if written > 0 {
		ids := make([]string, written)
		for i := 0; i < written; i++ {
			ids[i] = recordID(records[i].DocumentID, records[i].Version)
		}
		if _, derr := s.coll.DeleteMany(context.Background(), bson.M{"_id": bson.M{"$in": ids}}); derr != nil {
			return fmt.Errorf("insert records: %w (rollback failed: %v)", err, derr)
		}
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateVersion, err)
	}
	return fmt.Errorf("insert records: %w", err)
}

// FindMaxVersion implements store.Store.
func (s *Store) FindMaxVersion(ctx context.Context, documentID string) (int64, bool, error) {
	var doc recordDoc
	err := s.coll.FindOne(ctx, bson.M{"document_id": documentID},
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find max version: %w", err)
	}
	return doc.Version, true, nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, documentID string) ([]model.ChangeRecord, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"document_id": documentID},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []model.ChangeRecord
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		doc.ChangeRecord.Timestamp = doc.ChangeRecord.Timestamp.UTC()
		out = append(out, doc.ChangeRecord)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close implements store.Store.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
