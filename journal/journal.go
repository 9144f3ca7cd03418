// Package journal persists a record of every dispatched contract action.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcome classifies a journal entry.
type Outcome string

const (
	OutcomeSubmitted Outcome = "SUBMITTED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeRejected  Outcome = "REJECTED"
)

// Entry is one dispatched action.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;index"`
	Contract  string    `gorm:"size:80;index"`
	Action    string    `gorm:"size:32;index"`
	PollID    string    `gorm:"size:80;index"`
	Outcome   Outcome   `gorm:"size:16;index"`
	TxID      string    `gorm:"size:80"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// Journal stores entries through gorm.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn. Postgres URLs and key/value DSNs use the postgres
// driver; anything else is treated as a SQLite path or URI.
func Open(dsn string) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("journal: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if isPostgres(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing database handle and migrates the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// Record stores entry, assigning an id and timestamp when unset.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	if j == nil {
		return nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.now().UTC()
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Query filters Recent. Zero fields match everything.
type Query struct {
	Contract string
	Outcome  Outcome
	Limit    int
}

// Recent returns entries newest first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	tx := j.db.WithContext(ctx).Model(&Entry{})
	if q.Contract != "" {
		tx = tx.Where("contract = ?", q.Contract)
	}
	if q.Outcome != "" {
		tx = tx.Where("outcome = ?", q.Outcome)
	}
	var entries []Entry
	if err := tx.Order("created_at desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	return entries, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
