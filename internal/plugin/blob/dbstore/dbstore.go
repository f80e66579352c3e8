// Package dbstore keeps blobs in the blobs table of the ledger database.
package dbstore

import (
	"context"
	"fmt"

	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/model"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func init() {
	registryblob.Register(registryblob.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context) (registryblob.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("dbstore: missing config in context")
	}
	var dialector gorm.Dialector
	switch cfg.DatastoreType {
	case "postgres":
		dialector = postgres.Open(cfg.DBURL)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBURL)
	default:
		return nil, fmt.Errorf("dbstore: unsupported datastore %q", cfg.DatastoreType)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("dbstore: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&model.Blob{}); err != nil {
		return nil, fmt.Errorf("dbstore: auto-migrate blobs: %w", err)
	}
	return New(db), nil
}

// Store is a gorm-backed BlobStore.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm handle whose schema includes the blobs table.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) BasePath() string { return "db:blobs" }

func (s *Store) Put(ctx context.Context, id string, data []byte) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Blob{ID: id, Data: data, Size: int64(len(data))})
	if result.Error != nil {
		return false, fmt.Errorf("dbstore: insert blob %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	var b model.Blob
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&b)
	if result.Error != nil {
		return nil, fmt.Errorf("dbstore: read blob %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return b.Data, nil
}
