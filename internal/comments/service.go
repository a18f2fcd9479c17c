package comments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps a comment-layer failure with an operation.reason code.
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
	opServiceNew      = "comments.service.new"
	opCacheState      = "comments.cache_state"
	opRecordConflict  = "comments.record_conflict"
	opResolveConflict = "comments.resolve_conflict"
	opListConflicts   = "comments.list_conflicts"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues unique conflict identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the comment state cache and
// conflict engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the per-comment reaction cache and the conflict records that
// gate its display.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// CachedState returns the cached reaction state for a comment, or ok=false.
// Storage errors degrade to a cache miss so the UI path never blocks on a
// corrupt local store.
func (s *Service) CachedState(commentID string, kind CommentKind) (*CachedCommentState, bool) {
	var state CachedCommentState
	err := s.db.
		Where("comment_id = ? AND comment_kind = ?", commentID, kind.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("comment state read failed, degrading to cache miss",
			zap.String("comment_id", commentID),
			zap.String("comment_kind", kind.String()),
			zap.Error(err))
		return nil, false
	}
	return &state, true
}

// CacheState upserts a comment's reaction state. LastSyncedSeconds never
// moves backwards for a comment already on record.
func (s *Service) CacheState(state CachedCommentState) error {
	if state.CommentID == "" {
		return newServiceError(opCacheState, "missing_comment_id", ErrInvalidCommentID)
	}
	if _, err := ParseCommentKind(state.CommentKind); err != nil {
		return newServiceError(opCacheState, "invalid_comment_kind", err)
	}
	if existing, ok := s.CachedState(state.CommentID, CommentKind(state.CommentKind)); ok {
		if state.LastSyncedSeconds < existing.LastSyncedSeconds {
			state.LastSyncedSeconds = existing.LastSyncedSeconds
		}
	}
	if err := s.db.Save(&state).Error; err != nil {
		s.logger.Error("comment state save failed",
			zap.String("comment_id", state.CommentID),
			zap.Error(err))
		return newServiceError(opCacheState, "save_failed", err)
	}
	return nil
}

// ListForTarget returns the cached comments under one content entity in
// creation order (UUIDv7 ids sort by time), so a thread renders offline.
func (s *Service) ListForTarget(kind CommentKind, targetID string) []CachedCommentState {
	var states []CachedCommentState
	if err := s.db.
		Where("comment_kind = ? AND target_id = ?", kind.String(), targetID).
		Order("comment_id ASC").
		Find(&states).Error; err != nil {
		s.logger.Warn("comment list read failed, degrading to empty thread",
			zap.String("target_id", targetID),
			zap.Error(err))
		return nil
	}
	return states
}

// Delete removes a cached comment state, e.g. after a comment is deleted.
func (s *Service) Delete(commentID string, kind CommentKind) error {
	return s.db.
		Where("comment_id = ? AND comment_kind = ?", commentID, kind.String()).
		Delete(&CachedCommentState{}).Error
}

// Record persists a detected divergence. A newer conflict supersedes any
// unresolved record on the same comment so the UI prompts once, with the
// freshest snapshots.
func (s *Service) Record(ctx context.Context, commentID string, kind CommentKind, local, remote ReactionSnapshot) (*CommentConflict, error) {
	if commentID == "" {
		return nil, newServiceError(opRecordConflict, "missing_comment_id", ErrInvalidCommentID)
	}

	conflictID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opRecordConflict, "id_generation_failed", err)
	}
	conflict := CommentConflict{
		ConflictID:        conflictID,
		CommentID:         commentID,
		CommentKind:       kind.String(),
		LocalJSON:         local.Encode(),
		RemoteJSON:        remote.Encode(),
		DetectedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&CommentConflict{}).
			Where("comment_id = ? AND comment_kind = ? AND resolved = ?", commentID, kind.String(), false).
			Updates(map[string]any{"resolved": true, "resolution": string(resolutionSuperseded)}).Error
		if err != nil {
			return newServiceError(opRecordConflict, "supersede_failed", err)
		}
		if err := tx.Create(&conflict).Error; err != nil {
			return newServiceError(opRecordConflict, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.logger.Info("comment conflict recorded",
		zap.String("comment_id", commentID),
		zap.String("comment_kind", kind.String()),
		zap.String("conflict_id", conflictID))
	return &conflict, nil
}

// UnresolvedForComment returns open conflicts on one comment, newest first.
func (s *Service) UnresolvedForComment(kind CommentKind, commentID string) ([]CommentConflict, error) {
	var conflicts []CommentConflict
	if err := s.db.
		Where("comment_id = ? AND comment_kind = ? AND resolved = ?", commentID, kind.String(), false).
		Order("detected_at_s DESC, conflict_id DESC").
		Find(&conflicts).Error; err != nil {
		return nil, newServiceError(opListConflicts, "query_failed", err)
	}
	return conflicts, nil
}

// HasUnresolved reports whether any open conflict blocks normal display of
// the comment's state.
func (s *Service) HasUnresolved(kind CommentKind, commentID string) bool {
	conflicts, err := s.UnresolvedForComment(kind, commentID)
	if err != nil {
		s.logger.Warn("conflict lookup failed, assuming none",
			zap.String("comment_id", commentID),
			zap.Error(err))
		return false
	}
	return len(conflicts) > 0
}

// Resolve closes a conflict with the user's chosen outcome.
func (s *Service) Resolve(conflictID string, resolution Resolution) error {
	result := s.db.Model(&CommentConflict{}).
		Where("conflict_id = ? AND resolved = ?", conflictID, false).
		Updates(map[string]any{"resolved": true, "resolution": string(resolution)})
	if result.Error != nil {
		return newServiceError(opResolveConflict, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opResolveConflict, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}
