// Package teststore opens migrated in-memory SQLite stores for unit tests.
package teststore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/plugin/store/gormstore"
	"github.com/chirino/chat-ledger/internal/plugin/store/sqlite"
)

var seq atomic.Int64

// New returns a fresh, migrated store private to the calling test.
//
// The pool holds a single connection so the shared in-memory database lives
// as long as the store. Code running inside Transaction must use the
// transaction's store or it will wait for the connection forever.
func New(tb testing.TB) *gormstore.Store {
	tb.Helper()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = fmt.Sprintf("file:teststore-%d?mode=memory&cache=shared&_fk=1", seq.Add(1))
	cfg.DBMaxOpenConns = 1
	cfg.DBMaxIdleConns = 1

	s, err := sqlite.Open(&cfg)
	if err != nil {
		tb.Fatalf("open sqlite store: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	if err := gormstore.AutoMigrate(context.Background(), s.DB()); err != nil {
		tb.Fatalf("migrate sqlite store: %v", err)
	}
	return s
}
