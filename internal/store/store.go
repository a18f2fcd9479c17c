package store

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a store failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew   = "store.new"
	opSaveEntity = "store.save_entity"
	opSetSetting = "store.set_setting"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies required by the local store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable on-device cache of content entities and settings.
// Reads never touch the network and never fail the caller: a storage error
// degrades to a cache miss.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs the local store.
func NewStore(cfg ServiceConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the cached entity for (kind, id), or ok=false on miss.
func (s *Store) Get(kind EntityKind, entityID string) (*CachedEntity, bool) {
	var entity CachedEntity
	err := s.db.
		Where("kind = ? AND entity_id = ?", kind.String(), entityID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("entity read failed, degrading to cache miss",
			zap.String("kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, false
	}
	return &entity, true
}

// GetAll returns every cached entity of a kind. A storage error yields an
// empty slice rather than surfacing to the UI path.
func (s *Store) GetAll(kind EntityKind) []CachedEntity {
	var entities []CachedEntity
	if err := s.db.
		Where("kind = ?", kind.String()).
		Order("entity_id ASC").
		Find(&entities).Error; err != nil {
		s.logger.Warn("entity list read failed, degrading to empty cache",
			zap.String("kind", kind.String()),
			zap.Error(err))
		return nil
	}
	return entities
}

// Save upserts an entity, last-write-wins by (kind, id). LastSyncedSeconds is
// clamped so it never moves backwards for an entity already on record.
func (s *Store) Save(entity CachedEntity) error {
	if _, err := ParseKind(entity.Kind); err != nil {
		return newServiceError(opSaveEntity, "invalid_kind", err)
	}
	if _, err := NewEntityID(entity.EntityID); err != nil {
		return newServiceError(opSaveEntity, "invalid_entity_id", err)
	}

	if existing, ok := s.Get(EntityKind(entity.Kind), entity.EntityID); ok {
		if entity.LastSyncedSeconds < existing.LastSyncedSeconds {
			entity.LastSyncedSeconds = existing.LastSyncedSeconds
		}
	}

	if err := s.db.Save(&entity).Error; err != nil {
		s.logger.Error("entity save failed",
			zap.String("kind", entity.Kind),
			zap.String("entity_id", entity.EntityID),
			zap.Error(err))
		return newServiceError(opSaveEntity, "save_failed", err)
	}
	return nil
}

// ClearKind removes every cached entity of a kind. Used only by explicit
// cache-clear; normal operation never deletes entities.
func (s *Store) ClearKind(kind EntityKind) error {
	return s.db.Where("kind = ?", kind.String()).Delete(&CachedEntity{}).Error
}

// GetSetting returns the stored value for key, or fallback on miss.
func (s *Store) GetSetting(key, fallback string) string {
	var setting Setting
	err := s.db.Where("key = ?", key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback
	}
	if err != nil {
		s.logger.Warn("setting read failed, using fallback",
			zap.String("key", key),
			zap.Error(err))
		return fallback
	}
	return setting.Value
}

// SetSetting upserts a settings key.
func (s *Store) SetSetting(key, value string) error {
	setting := Setting{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.Save(&setting).Error; err != nil {
		s.logger.Error("setting save failed", zap.String("key", key), zap.Error(err))
		return newServiceError(opSetSetting, "save_failed", err)
	}
	return nil
}

// GetBoolSetting reads a settings key as a boolean flag.
func (s *Store) GetBoolSetting(key string, fallback bool) bool {
	raw := s.GetSetting(key, strconv.FormatBool(fallback))
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

// SetBoolSetting writes a settings key as a boolean flag.
func (s *Store) SetBoolSetting(key string, value bool) error {
	return s.SetSetting(key, strconv.FormatBool(value))
}

// GetInt64Setting reads a settings key as an integer, for timestamp bookkeeping.
func (s *Store) GetInt64Setting(key string, fallback int64) int64 {
	raw := s.GetSetting(key, strconv.FormatInt(fallback, 10))
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

// SetInt64Setting writes a settings key as an integer.
func (s *Store) SetInt64Setting(key string, value int64) error {
	return s.SetSetting(key, strconv.FormatInt(value, 10))
}
