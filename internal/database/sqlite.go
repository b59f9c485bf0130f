package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tacmaplabs/tacmap/backend/internal/archive"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations
// for the session archive.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&archive.SessionRecord{}, &archive.MessageRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("archive database initialized", zap.String("path", path))
	}

	return db, nil
}
