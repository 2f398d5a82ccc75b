package supplies

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "coffee.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestRepository(t *testing.T, db *gorm.DB) *Repository {
	t.Helper()
	clockNow := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	repository, err := NewRepository(RepositoryConfig{
		Database: db,
		Clock: func() time.Time {
			return clockNow
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repository
}

func mustAddSupply(t *testing.T, repository *Repository, supply Supply) Supply {
	t.Helper()
	id, err := repository.Add(context.Background(), &supply)
	if err != nil {
		t.Fatalf("failed to add supply: %v", err)
	}
	if id == 0 || supply.ID != id {
		t.Fatalf("expected assigned id to be written back, got id=%d supply.ID=%d", id, supply.ID)
	}
	return supply
}
