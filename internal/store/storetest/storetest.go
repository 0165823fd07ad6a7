// Package storetest builds in-memory document stores for tests of packages that sync against them.
package storetest

import (
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/planner/internal/realtime"
	"github.com/MarcoPoloResearchLab/planner/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// New opens a private in-memory SQLite database named after the test, migrates the
// document table and returns a store publishing to a fresh hub.
func New(t testing.TB) (*store.Store, *realtime.Hub) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&store.Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	hub := realtime.NewHub()
	documents, err := store.NewStore(store.Config{
		Database:   db,
		Hub:        hub,
		IDProvider: store.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return documents, hub
}
