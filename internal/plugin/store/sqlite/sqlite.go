package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/chat-ledger/internal/registry/migrate"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
)

const name = "sqlite"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: name,
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("sqlite store requires a database url")
			}
			s, err := Open(cfg)
			if err != nil {
				return nil, err
			}
			// In-memory databases do not survive the migrator's connection.
			if cfg.DatastoreMigrateAtStart {
				if err := gormstore.AutoMigrate(ctx, s.DB()); err != nil {
					_ = s.Close()
					return nil, err
				}
			}
			return s, nil
		},
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{}})
}

// Open connects to the sqlite database named by cfg.DBURL.
func Open(cfg *config.Config) (*gormstore.Store, error) {
	return gormstore.Open(sqlite.Open(cfg.DBURL), cfg, IsUniqueViolation)
}

// IsUniqueViolation matches UNIQUE and PRIMARY KEY constraint failures.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type migrator struct{}

func (m *migrator) Name() string { return "sqlite-schema" }

func (m *migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != name {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	s, err := Open(cfg)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer s.Close()
	return gormstore.AutoMigrate(ctx, s.DB())
}
