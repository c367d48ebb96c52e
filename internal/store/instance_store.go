package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/waxline/waxline/internal/domain"
)

// ErrVersionConflict is returned by Upsert when the expected version no
// longer matches the stored row (a concurrent writer won the race).
var ErrVersionConflict = errors.New("instance version conflict")

// InstanceStore is the single source of truth for instance records. All
// components read-modify-write through it; writers racing on the same
// instance must pass the version they read so lost updates surface as
// ErrVersionConflict instead of silently clobbering each other.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*domain.Instance, error)
	GetByRuntimeID(ctx context.Context, runtimeID string) (*domain.Instance, error)
	Create(ctx context.Context, inst *domain.Instance) error
	// Update applies absolute field sets to the instance. expectedVersion >= 0
	// makes the write conditional; pass -1 for an unconditional write.
	Update(ctx context.Context, id string, fields map[string]interface{}, expectedVersion int64) error
	ListActive(ctx context.Context) ([]*domain.Instance, error)
	ListByState(ctx context.Context, state string) ([]*domain.Instance, error)
	PurgeDestroyed(ctx context.Context, olderThanDays int) error
}

// GormInstanceStore is the gorm implementation of InstanceStore.
type GormInstanceStore struct {
	db *gorm.DB
}

func NewGormInstanceStore(db *gorm.DB) *GormInstanceStore {
	return &GormInstanceStore{db: db}
}

func (s *GormInstanceStore) Get(ctx context.Context, id string) (*domain.Instance, error) {
	var inst domain.Instance
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *GormInstanceStore) GetByRuntimeID(ctx context.Context, runtimeID string) (*domain.Instance, error) {
	var inst domain.Instance
	if err := s.db.WithContext(ctx).Where("runtime_id = ?", runtimeID).First(&inst).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *GormInstanceStore) Create(ctx context.Context, inst *domain.Instance) error {
	if inst.ConnectionState == "" {
		inst.ConnectionState = domain.StateIdle
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return errors.Wrap(err, "create instance")
	}
	return nil
}

func (s *GormInstanceStore) Update(ctx context.Context, id string, fields map[string]interface{}, expectedVersion int64) error {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + 1")

	tx := s.db.WithContext(ctx).Model(&domain.Instance{})
	if expectedVersion >= 0 {
		tx = tx.Where("id = ? AND version = ?", id, expectedVersion)
	} else {
		tx = tx.Where("id = ?", id)
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update instance")
	}
	if res.RowsAffected == 0 {
		if expectedVersion >= 0 {
			return ErrVersionConflict
		}
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormInstanceStore) ListActive(ctx context.Context) ([]*domain.Instance, error) {
	var out []*domain.Instance
	err := s.db.WithContext(ctx).
		Where("connection_state <> ?", domain.StateDestroyed).
		Order("created_at").
		Find(&out).Error
	return out, err
}

func (s *GormInstanceStore) ListByState(ctx context.Context, state string) ([]*domain.Instance, error) {
	var out []*domain.Instance
	err := s.db.WithContext(ctx).Where("connection_state = ?", state).Find(&out).Error
	return out, err
}

func (s *GormInstanceStore) PurgeDestroyed(ctx context.Context, olderThanDays int) error {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return s.db.WithContext(ctx).
		Where("connection_state = ? AND updated_at < ?", domain.StateDestroyed, cutoff).
		Delete(&domain.Instance{}).Error
}
