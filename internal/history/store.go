// Package history persists served predictions in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// pruneEvery is how many inserts pass between retention sweeps.
const pruneEvery = 256

// Event is one stored prediction.
type Event struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	EventID      string    `gorm:"uniqueIndex;size:36" json:"id"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	Source       string    `gorm:"index" json:"source"` // api, batch, pcap
	ConnectionID string    `json:"connection_id,omitempty"`
	SrcIP        string    `gorm:"index" json:"src_ip,omitempty"`
	DstIP        string    `json:"dst_ip,omitempty"`
	Label        kdd.Label `gorm:"index" json:"label"`
	Score        float64   `json:"score"`
	Filled       string    `json:"filled,omitempty"` // comma separated
}

// TableName pins the table name.
func (Event) TableName() string {
	return "prediction_events"
}

// FilledFields splits Filled back into field names.
func (e *Event) FilledFields() []string {
	if e.Filled == "" {
		return nil
	}
	return strings.Split(e.Filled, ",")
}

// Stats aggregates the stored events.
type Stats struct {
	Total     int64 `json:"total"`
	Anomalies int64 `json:"anomalies"`
}

// Store records prediction events.
type Store struct {
	db      *gorm.DB
	retain  int
	inserts atomic.Int64
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetain caps the number of stored events; 0 keeps everything.
func WithRetain(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retain = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		s.logger.Warn("failed to enable WAL mode", "error", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	s.db = db
	s.logger.Info("history store opened", "path", path, "retain", s.retain)
	return s, nil
}

// Record stores e, assigning its EventID and Timestamp when unset.
func (s *Store) Record(ctx context.Context, e *Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("history: record: %w", err)
	}

	if s.retain > 0 && s.inserts.Add(1)%pruneEvery == 0 {
		if _, err := s.Prune(ctx); err != nil {
			s.logger.Warn("history prune failed", "error", err)
		}
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, errors.New("history: limit must be positive")
	}
	var events []Event
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return events, nil
}

// Stats counts stored events.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx).Model(&Event{})
	if err := db.Count(&st.Total).Error; err != nil {
		return Stats{}, fmt.Errorf("history: stats: %w", err)
	}
	err := s.db.WithContext(ctx).Model(&Event{}).Where("label = ?", kdd.LabelAnomaly).Count(&st.Anomalies).Error
	if err != nil {
		return Stats{}, fmt.Errorf("history: stats: %w", err)
	}
	return st, nil
}

// Prune deletes all but the newest retain events and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.retain <= 0 {
		return 0, nil
	}
	var last Event
	err := s.db.WithContext(ctx).Order("id DESC").Limit(1).Find(&last).Error
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	cutoff := int64(last.ID) - int64(s.retain)
	if cutoff <= 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id <= ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("history: prune: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("history pruned", "removed", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
