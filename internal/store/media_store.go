package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/waxline/waxline/internal/domain"
)

// MediaCacheStore handles database access for resolvable media sources.
type MediaCacheStore interface {
	Get(ctx context.Context, messageID string) (*domain.MediaCacheEntry, error)
	GetByOriginalURL(ctx context.Context, originalURL string) (*domain.MediaCacheEntry, error)
	// Upsert creates the row for entry.MessageID if absent, otherwise fills
	// in the sources the entry supplies without nulling existing ones.
	Upsert(ctx context.Context, entry *domain.MediaCacheEntry) error
	PurgeOlderThan(ctx context.Context, days int) error
}

// GormMediaCacheStore is the gorm implementation of MediaCacheStore.
type GormMediaCacheStore struct {
	db *gorm.DB
}

func NewGormMediaCacheStore(db *gorm.DB) *GormMediaCacheStore {
	return &GormMediaCacheStore{db: db}
}

func (s *GormMediaCacheStore) Get(ctx context.Context, messageID string) (*domain.MediaCacheEntry, error) {
	var entry domain.MediaCacheEntry
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormMediaCacheStore) GetByOriginalURL(ctx context.Context, originalURL string) (*domain.MediaCacheEntry, error) {
	var entry domain.MediaCacheEntry
	if err := s.db.WithContext(ctx).Where("original_url = ?", originalURL).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormMediaCacheStore) Upsert(ctx context.Context, entry *domain.MediaCacheEntry) error {
	var existing domain.MediaCacheEntry
	err := s.db.WithContext(ctx).Where("message_id = ?", entry.MessageID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
			return errors.Wrap(err, "create media cache entry")
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lookup media cache entry")
	}

	updates := map[string]interface{}{}
	if entry.Base64Data != nil {
		updates["base64_data"] = *entry.Base64Data
	}
	if entry.CachedURL != nil {
		updates["cached_url"] = *entry.CachedURL
	}
	if entry.OriginalURL != nil {
		updates["original_url"] = *entry.OriginalURL
	}
	if entry.FileSize > 0 {
		updates["file_size"] = entry.FileSize
	}
	if entry.FileName != "" {
		updates["file_name"] = entry.FileName
	}
	if entry.MediaType != "" {
		updates["media_type"] = entry.MediaType
	}
	if len(updates) == 0 {
		return nil
	}
	return errors.Wrap(
		s.db.WithContext(ctx).Model(&domain.MediaCacheEntry{}).
			Where("message_id = ?", entry.MessageID).
			Updates(updates).Error,
		"update media cache entry")
}

func (s *GormMediaCacheStore) PurgeOlderThan(ctx context.Context, days int) error {
	if days <= 0 {
		days = 90
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	return s.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&domain.MediaCacheEntry{}).Error
}
