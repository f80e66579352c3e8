// Package mongostore keeps blobs in MongoDB GridFS, using the blob id as the
// GridFS file id.
package mongostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chirino/chat-ledger/internal/config"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registryblob.Register(registryblob.Plugin{
		Name:   "mongo",
		Loader: load,
	})
}

func load(ctx context.Context) (registryblob.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.MongoURL == "" {
		return nil, fmt.Errorf("mongostore: mongo url is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}
	s := New(client.Database(cfg.MongoDatabase))
	s.client = client
	return s, nil
}

// Store is a GridFS-backed BlobStore.
type Store struct {
	db     *mongo.Database
	bucket *mongo.GridFSBucket
	client *mongo.Client // set when the store owns the connection
}

// New uses the default GridFS bucket of db.
func New(db *mongo.Database) *Store {
	return &Store{db: db, bucket: db.GridFSBucket()}
}

func (s *Store) BasePath() string { return "gridfs:" + s.db.Name() }

func (s *Store) Put(ctx context.Context, id string, data []byte) (bool, error) {
	n, err := s.db.Collection("fs.files").CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("mongostore: lookup %s: %w", id, err)
	}
	if n > 0 {
		return false, nil
	}
	if err := s.bucket.UploadFromStreamWithID(ctx, id, id, bytes.NewReader(data)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongostore: gridfs upload %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	ds, err := s.bucket.OpenDownloadStream(ctx, id)
	if err != nil {
		if errors.Is(err, mongo.ErrFileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongostore: gridfs open %s: %w", id, err)
	}
	defer ds.Close()
	data, err := io.ReadAll(ds)
	if err != nil {
		return nil, fmt.Errorf("mongostore: gridfs read %s: %w", id, err)
	}
	return data, nil
}

// Close disconnects the client opened by the plugin loader. Stores built with
// New leave the connection to the caller.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
