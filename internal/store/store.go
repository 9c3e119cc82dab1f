package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/luthien-dev/luthien/internal/events"
)

// Store persists pipeline state in sqlite via gorm. A mutex serializes
// writes; sqlite handles one writer at a time anyway and the sequential task
// queue already orders event inserts per call.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at the given sqlite DSN or
// file path and migrates the schema.
func Open(databaseURL string) (*Store, error) {
	dsn := normalizeDSN(databaseURL)
	if dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0]); dir != "." && dir != "" && !strings.HasPrefix(dsn, "file::memory:") {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&ConversationCall{},
		&ConversationEvent{},
		&PolicyConfig{},
		&AuthConfig{},
		&RequestLog{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// normalizeDSN accepts sqlite:// URLs, bare paths, and :memory:. Busy
// timeout and WAL keep concurrent readers happy.
func normalizeDSN(databaseURL string) string {
	dsn := strings.TrimPrefix(databaseURL, "sqlite://")
	if dsn == "" || dsn == ":memory:" {
		return "file::memory:?cache=shared"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
}

// CreateCall inserts the active call row at transaction start.
func (s *Store) CreateCall(ctx context.Context, callID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Create(&ConversationCall{
		CallID:    callID,
		ModelName: model,
		Status:    CallStatusActive,
		CreatedAt: time.Now().UTC(),
	}).Error
}

// CompleteCall stamps the call with its terminal status.
func (s *Store) CompleteCall(ctx context.Context, callID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&ConversationCall{}).
		Where("call_id = ?", callID).
		Updates(map[string]any{"status": status, "completed_at": now}).Error
}

// GetCall fetches one call summary.
func (s *Store) GetCall(ctx context.Context, callID string) (*ConversationCall, error) {
	var call ConversationCall
	err := s.db.WithContext(ctx).First(&call, "call_id = ?", callID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// InsertEvent appends one event row. Implements events.Store.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) error {
	payload := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Create(&ConversationEvent{
		ID:        ev.ID,
		CallID:    ev.CallID,
		EventType: ev.Type,
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	}).Error
}

// ListEvents returns a call's events in insertion order.
func (s *Store) ListEvents(ctx context.Context, callID string, limit int) ([]ConversationEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []ConversationEvent
	err := s.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ActivePolicyConfig returns the active stored policy record, or nil when
// none is marked active.
func (s *Store) ActivePolicyConfig(ctx context.Context) (*PolicyConfig, error) {
	var cfg PolicyConfig
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("enabled_at DESC").
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetActivePolicyConfig deactivates the previous record and inserts the new
// one as active, atomically.
func (s *Store) SetActivePolicyConfig(ctx context.Context, classRef string, config map[string]any, enabledBy string) error {
	configJSON := "{}"
	if len(config) > 0 {
		data, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("marshal policy config: %w", err)
		}
		configJSON = string(data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&PolicyConfig{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&PolicyConfig{
			PolicyClassRef: classRef,
			Config:         configJSON,
			EnabledAt:      time.Now().UTC(),
			EnabledBy:      enabledBy,
			IsActive:       true,
		}).Error
	})
}

// GetAuthConfig returns the singleton auth row, or nil when unset.
func (s *Store) GetAuthConfig(ctx context.Context) (*AuthConfig, error) {
	var cfg AuthConfig
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetAuthConfig upserts the singleton auth row.
func (s *Store) SetAuthConfig(ctx context.Context, cfg AuthConfig) error {
	cfg.ID = 1
	cfg.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Save(&cfg).Error
}

// InsertRequestLog appends one captured HTTP exchange.
func (s *Store) InsertRequestLog(ctx context.Context, row *RequestLog) error {
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Create(row).Error
}

// RequestLogs returns the most recent captured exchanges in insertion order.
func (s *Store) RequestLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []RequestLog
	err := s.db.WithContext(ctx).Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
