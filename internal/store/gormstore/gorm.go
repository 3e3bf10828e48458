// Package gormstore implements the persistence contracts on GORM. It backs the
// single-process dev mode and the hermetic test suites with SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"enrichment-orchestrator/internal/models"
	"enrichment-orchestrator/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New wraps an opened GORM handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenSQLite opens path (":memory:" included) with a single connection so
// every caller shares one database and writes are serialized.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates the tables and the partial unique index on unresolved
// error entries, which AutoMigrate cannot express.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&jobRow{}, &entryRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS error_queue_unresolved_uniq
		ON error_queue_entries (component_ref, retry_count)
		WHERE status NOT IN ('resolved', 'abandoned')`).Error
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return err
}

var terminalStatuses = []string{string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled)}

var unresolvedStatuses = []string{string(models.EntryPending), string(models.EntryRetrying), string(models.EntryMaxRetriesExceeded)}
