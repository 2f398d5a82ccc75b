package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	applicationDirectoryName = "MoreCoffee"
	databaseFileName         = "coffee.db"
)

var errMissingPath = errors.New("database path is required")

// Store owns the single process-wide connection to coffee.db.
type Store struct {
	DB   *gorm.DB
	Path string
}

// DefaultDatabasePath returns coffee.db inside the per-user application data directory.
func DefaultDatabasePath() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return databaseFileName
	}
	return filepath.Join(base, applicationDirectoryName, databaseFileName)
}

// OpenSQLite opens the database file, creating its directory when needed.
// Tables are not created here; each repository creates its own on first use.
func OpenSQLite(path string, zapLogger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errMissingPath
	}
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}

	if directory := filepath.Dir(path); directory != "." {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	zapLogger.Info("database opened", zap.String("path", path))
	return &Store{DB: db, Path: path}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
