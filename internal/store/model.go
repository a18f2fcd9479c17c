package store

import (
	"errors"
	"fmt"
	"strings"
)

// EntityKind discriminates the content collections held in the local store.
type EntityKind string

const (
	// KindKata identifies technique entries.
	KindKata EntityKind = "kata"
	// KindOhyo identifies application entries.
	KindOhyo EntityKind = "ohyo"
	// KindForumPost identifies forum posts.
	KindForumPost EntityKind = "forum_post"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityKind indicates an unknown content collection name.
	ErrInvalidEntityKind = errors.New("store: invalid entity kind")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("store: invalid entity id")
)

// ParseKind validates raw input and returns an EntityKind.
func ParseKind(rawInput string) (EntityKind, error) {
	switch EntityKind(strings.TrimSpace(strings.ToLower(rawInput))) {
	case KindKata:
		return KindKata, nil
	case KindOhyo:
		return KindOhyo, nil
	case KindForumPost:
		return KindForumPost, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityKind, rawInput)
	}
}

// String returns the underlying collection name.
func (k EntityKind) String() string {
	return string(k)
}

// NewEntityID validates raw input and returns a trimmed entity identifier.
func NewEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// CachedEntity is the local projection of a remote content row plus sync metadata.
type CachedEntity struct {
	Kind              string `gorm:"column:kind;primaryKey;size:32;not null"`
	EntityID          string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Title             string `gorm:"column:title;type:text;not null;default:''"`
	Summary           string `gorm:"column:summary;type:text;not null;default:''"`
	IsLiked           bool   `gorm:"column:is_liked;not null;default:false"`
	LikeCount         int64  `gorm:"column:like_count;not null;default:0"`
	IsFavorite        bool   `gorm:"column:is_favorite;not null;default:false"`
	LastSyncedSeconds int64  `gorm:"column:last_synced_s;not null;default:0"`
	NeedsSync         bool   `gorm:"column:needs_sync;not null;default:false;index:idx_entities_needs_sync"`
}

// TableName provides the explicit table binding for GORM.
func (CachedEntity) TableName() string {
	return "cached_entities"
}

// Setting is a single key/value pair in the settings table.
type Setting struct {
	Key              string `gorm:"column:key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}

// Well-known settings keys consulted by the orchestrator and the UI shell.
const (
	SettingComprehensiveCacheCompleted = "comprehensive_cache_completed"
	settingLastSyncedPrefix            = "last_synced_"
	settingPopulateErrorPrefix         = "populate_error_"
)

// LastSyncedKey returns the settings key holding the populate timestamp for a kind.
func LastSyncedKey(kind EntityKind) string {
	return settingLastSyncedPrefix + kind.String()
}

// PopulateErrorKey returns the settings key holding the last populate failure for a kind.
func PopulateErrorKey(kind EntityKind) string {
	return settingPopulateErrorPrefix + kind.String()
}
