// Package storage wraps the sqlite database behind scoped read/write
// transaction primitives. All writes are funnelled through one writer
// handle; each logical operation is a single transaction.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"palaver-chat/core/pkg/models"
)

var ErrNotFound = errors.New("storage: record not found")

type DB struct {
	db *gorm.DB
}

// Open opens (or creates) the core database at path and migrates the
// schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.InboxRecord{},
		&models.Conversation{},
		&models.ConversationMember{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer connection; sqlite serializes writes internally.
	sqlDB.SetMaxOpenConns(1)
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Write runs fn inside a single transaction. A non-nil error rolls the
// whole transaction back, so callers never observe partial writes.
func (d *DB) Write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.db.WithContext(ctx).Transaction(fn)
}

// Read runs fn against a read-only view. Reads may run concurrently with
// writes and observe a consistent snapshot.
func (d *DB) Read(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(d.db.WithContext(ctx))
}

// MapNotFound converts gorm's not-found error into the package sentinel.
func MapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
