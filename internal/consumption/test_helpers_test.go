package consumption

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
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coffee.db")), &gorm.Config{})
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

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repository, err := NewRepository(RepositoryConfig{
		Database: openTestDatabase(t),
		Clock: func() time.Time {
			return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	return repository
}

func mustAddEvent(t *testing.T, repository *Repository, event Event) Event {
	t.Helper()
	if _, err := repository.Add(context.Background(), &event); err != nil {
		t.Fatalf("failed to add event: %v", err)
	}
	return event
}

func stringPointer(value string) *string {
	return &value
}
