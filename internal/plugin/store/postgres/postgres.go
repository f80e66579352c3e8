package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/chat-ledger/internal/registry/migrate"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
)

// ForceImport is referenced by tests to make sure init() registered the plugin.
var ForceImport = 0

const name = "postgres"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: name,
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("postgres store requires a database url")
			}
			return gormstore.Open(postgres.Open(cfg.DBURL), cfg, IsUniqueViolation)
		},
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{}})
}

// IsUniqueViolation matches SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type migrator struct{}

func (m *migrator) Name() string { return "postgres-schema" }

func (m *migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart || cfg.DatastoreType != name {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	s, err := gormstore.Open(postgres.Open(cfg.DBURL), cfg, IsUniqueViolation)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer s.Close()
	if err := gormstore.AutoMigrate(ctx, s.DB()); err != nil {
		return err
	}
	log.Info("Postgres schema migration complete")
	return nil
}
