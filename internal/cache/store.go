package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	BackendMemory   = "memory"
	BackendDatabase = "database"
)

// Entry is one cached upstream payload. At most one row exists per cache key.
type Entry struct {
	CacheKey  string    `gorm:"column:cache_key;primaryKey;size:512;not null"`
	Provider  string    `gorm:"column:provider;size:64;not null;index:idx_cache_provider_expiry,priority:1"`
	Payload   []byte    `gorm:"column:payload;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index:idx_cache_provider_expiry,priority:2"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "external_api_cache"
}

// Fresh reports whether the entry is still valid at now.
func (e Entry) Fresh(now time.Time) bool {
	return e.ExpiresAt.After(now)
}

// Store persists cache entries.
type Store interface {
	Get(ctx context.Context, cacheKey string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	// LiveExpiries returns, per provider, the latest expiry that is after now.
	LiveExpiries(ctx context.Context, now time.Time) (map[string]time.Time, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, cacheKey string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[cacheKey]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	return entry, true, nil
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Payload = append([]byte(nil), entry.Payload...)
	s.entries[entry.CacheKey] = entry
	return nil
}

func (s *MemoryStore) LiveExpiries(_ context.Context, now time.Time) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiries := make(map[string]time.Time)
	for _, entry := range s.entries {
		if !entry.Fresh(now) {
			continue
		}
		if current, ok := expiries[entry.Provider]; !ok || entry.ExpiresAt.After(current) {
			expiries[entry.Provider] = entry.ExpiresAt
		}
	}
	return expiries, nil
}

// GormStore keeps entries in the relational store, upserting on cache_key.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, cacheKey string) (Entry, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", cacheKey).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: select entry: %w", err)
	}
	return entry, true, nil
}

func (s *GormStore) Put(ctx context.Context, entry Entry) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "payload", "expires_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("cache: upsert entry: %w", err)
	}
	return nil
}

func (s *GormStore) LiveExpiries(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	var rows []Entry
	if err := s.db.WithContext(ctx).
		Select("provider", "expires_at").
		Where("expires_at > ?", now).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("cache: select live entries: %w", err)
	}
	expiries := make(map[string]time.Time)
	for _, row := range rows {
		if current, ok := expiries[row.Provider]; !ok || row.ExpiresAt.After(current) {
			expiries[row.Provider] = row.ExpiresAt
		}
	}
	return expiries, nil
}
