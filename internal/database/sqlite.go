package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/media"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/store"
)

// OpenSQLite establishes the on-device SQLite connection and performs schema
// migrations for every locally persisted model.
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

	if err := db.AutoMigrate(
		&store.CachedEntity{},
		&store.Setting{},
		&queue.Operation{},
		&comments.CachedCommentState{},
		&comments.CommentConflict{},
		&media.Entry{},
		&media.Manifest{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
