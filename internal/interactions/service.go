// Package interactions is the thin layer the UI shell talks to: it reads
// through the local caches for instant display, executes mutations directly
// while online, and falls back to optimistic updates plus queued operations
// while offline.
package interactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
)

const localCommentPrefix = "local-"

var (
	errMissingRemote   = errors.New("remote client is required")
	errMissingStore    = errors.New("local store is required")
	errMissingQueue    = errors.New("operation queue is required")
	errMissingComments = errors.New("comment service is required")
	errMissingIDs      = errors.New("id provider is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps an interaction-layer failure with an operation.reason code.
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
	opServiceNew    = "interactions.service.new"
	opLoad          = "interactions.load"
	opToggle        = "interactions.toggle"
	opCommentToggle = "interactions.comment_toggle"
	opCommentWrite  = "interactions.comment_write"
	opConflicts     = "interactions.conflicts"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Comment is one thread entry as the UI renders it.
type Comment struct {
	ID              string `json:"id"`
	AuthorID        string `json:"author_id"`
	Body            string `json:"body"`
	IsLiked         bool   `json:"is_liked"`
	IsDisliked      bool   `json:"is_disliked"`
	LikeCount       int64  `json:"like_count"`
	DislikeCount    int64  `json:"dislike_count"`
	Pending         bool   `json:"pending"`
	ConflictPending bool   `json:"conflict_pending"`
}

// InteractionState is the full interaction view of one content entity.
type InteractionState struct {
	Kind            store.EntityKind `json:"kind"`
	EntityID        string           `json:"entity_id"`
	IsLiked         bool             `json:"is_liked"`
	LikeCount       int64            `json:"like_count"`
	IsFavorited     bool             `json:"is_favorited"`
	Comments        []Comment        `json:"comments"`
	IsOffline       bool             `json:"is_offline"`
	ConflictPending bool             `json:"conflict_pending"`
}

// ServiceConfig describes the dependencies of the interaction layer.
type ServiceConfig struct {
	Remote     remote.Client
	Store      *store.Store
	Queue      *queue.Queue
	Comments   *comments.Service
	Hub        *StateHub
	IDProvider queue.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the UI-facing facade over the caches, queue and remote client.
type Service struct {
	remote     remote.Client
	store      *store.Store
	queue      *queue.Queue
	comments   *comments.Service
	hub        *StateHub
	idProvider queue.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the facade.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Remote == nil {
		return nil, newServiceError(opServiceNew, "missing_remote", errMissingRemote)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Comments == nil {
		return nil, newServiceError(opServiceNew, "missing_comments", errMissingComments)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDs)
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewStateHub()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		remote:     cfg.Remote,
		store:      cfg.Store,
		queue:      cfg.Queue,
		comments:   cfg.Comments,
		hub:        hub,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Hub exposes the state fan-out for UI subscriptions.
func (s *Service) Hub() *StateHub {
	return s.hub
}

// LoadInteractions returns the interaction state for one entity. Online it
// reads remote truth and writes it through the caches; offline (or when the
// remote read fails mid-flight) it serves the cache with IsOffline set so
// the UI can visually distinguish stale data.
func (s *Service) LoadInteractions(ctx context.Context, kind store.EntityKind, entityID string) (InteractionState, error) {
	if !s.remote.Connected(ctx) {
		return s.cachedState(kind, entityID, true), nil
	}
	state, err := s.loadRemoteState(ctx, kind, entityID)
	if err != nil {
		s.logger.Warn("remote interaction load failed, serving cache",
			zap.String("kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return s.cachedState(kind, entityID, true), nil
	}
	return state, nil
}

// ToggleLike flips the caller's like on a content entity.
func (s *Service) ToggleLike(ctx context.Context, kind store.EntityKind, entityID string) (InteractionState, error) {
	return s.toggleEntity(ctx, kind, entityID, true)
}

// ToggleFavorite flips the caller's favorite on a content entity.
func (s *Service) ToggleFavorite(ctx context.Context, kind store.EntityKind, entityID string) (InteractionState, error) {
	return s.toggleEntity(ctx, kind, entityID, false)
}

func (s *Service) toggleEntity(ctx context.Context, kind store.EntityKind, entityID string, isLike bool) (InteractionState, error) {
	session, ok := s.remote.CurrentSession()
	if !ok {
		return InteractionState{}, newServiceError(opToggle, "not_signed_in", remote.ErrNotSignedIn)
	}

	entity := store.CachedEntity{Kind: kind.String(), EntityID: entityID}
	if cached, found := s.store.Get(kind, entityID); found {
		entity = *cached
	}

	if s.remote.Connected(ctx) {
		state, err := s.toggleEntityOnline(ctx, session.UserID, kind, entity, isLike)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, remote.ErrOffline) {
			return InteractionState{}, err
		}
		// Connectivity dropped mid-call; fall through to the offline path.
	}
	return s.toggleEntityOffline(ctx, session.UserID, kind, entity, isLike)
}

func (s *Service) toggleEntityOnline(ctx context.Context, userID string, kind store.EntityKind, entity store.CachedEntity, isLike bool) (InteractionState, error) {
	table := remote.TableFavorites
	if isLike {
		table = remote.TableLikes
	}
	ownFilters := remote.Filters{
		"user_id":     userID,
		"target_type": kind.String(),
		"target_id":   entity.EntityID,
	}
	rows, err := s.remote.Select(ctx, table, ownFilters)
	if err != nil {
		return InteractionState{}, err
	}
	active := len(rows) > 0
	if active {
		err = s.remote.Delete(ctx, table, ownFilters)
	} else {
		err = s.remote.Insert(ctx, table, remote.Row{
			"user_id":     userID,
			"target_type": kind.String(),
			"target_id":   entity.EntityID,
		})
	}
	if err != nil {
		return InteractionState{}, err
	}

	if isLike {
		entity.IsLiked = !active
		if allRows, err := s.remote.Select(ctx, table, remote.Filters{
			"target_type": kind.String(), "target_id": entity.EntityID,
		}); err == nil {
			entity.LikeCount = int64(len(allRows))
		}
	} else {
		entity.IsFavorite = !active
	}
	entity.NeedsSync = false
	entity.LastSyncedSeconds = s.clock().UTC().Unix()
	if err := s.store.Save(entity); err != nil {
		s.logger.Warn("entity cache update failed after online toggle",
			zap.String("entity_id", entity.EntityID), zap.Error(err))
	}
	state := s.cachedState(kind, entity.EntityID, false)
	s.hub.Publish(state)
	return state, nil
}

func (s *Service) toggleEntityOffline(ctx context.Context, userID string, kind store.EntityKind, entity store.CachedEntity, isLike bool) (InteractionState, error) {
	payload := queue.TogglePayload{
		TargetKind: kind.String(),
		TargetID:   entity.EntityID,
	}
	if isLike {
		payload.PreviousActive = entity.IsLiked
		payload.PreviousCount = entity.LikeCount
		entity.IsLiked = !entity.IsLiked
		if entity.IsLiked {
			entity.LikeCount++
		} else if entity.LikeCount > 0 {
			entity.LikeCount--
		}
	} else {
		payload.PreviousActive = entity.IsFavorite
		entity.IsFavorite = !entity.IsFavorite
	}
	entity.NeedsSync = true
	if err := s.store.Save(entity); err != nil {
		return InteractionState{}, newServiceError(opToggle, "cache_save_failed", err)
	}

	if _, _, err := s.queue.Enqueue(ctx, userID, s.toggleOpType(kind, isLike), payload); err != nil {
		return InteractionState{}, newServiceError(opToggle, "enqueue_failed", err)
	}
	state := s.cachedState(kind, entity.EntityID, true)
	s.hub.Publish(state)
	return state, nil
}

func (s *Service) toggleOpType(kind store.EntityKind, isLike bool) queue.OperationType {
	switch {
	case kind == store.KindForumPost && isLike:
		return queue.OperationToggleForumLike
	case kind == store.KindForumPost:
		return queue.OperationToggleForumFavorite
	case isLike:
		return queue.OperationToggleLike
	default:
		return queue.OperationToggleFavorite
	}
}

// ToggleCommentLike flips the caller's like on a comment.
func (s *Service) ToggleCommentLike(ctx context.Context, kind comments.CommentKind, commentID string) (Comment, error) {
	return s.toggleComment(ctx, kind, commentID, comments.ToggleLikeReaction)
}

// ToggleCommentDislike flips the caller's dislike on a comment.
func (s *Service) ToggleCommentDislike(ctx context.Context, kind comments.CommentKind, commentID string) (Comment, error) {
	return s.toggleComment(ctx, kind, commentID, comments.ToggleDislikeReaction)
}

func (s *Service) toggleComment(ctx context.Context, kind comments.CommentKind, commentID string, toggle comments.ReactionToggle) (Comment, error) {
	session, ok := s.remote.CurrentSession()
	if !ok {
		return Comment{}, newServiceError(opCommentToggle, "not_signed_in", remote.ErrNotSignedIn)
	}

	cached := comments.CachedCommentState{CommentID: commentID, CommentKind: kind.String()}
	if state, found := s.comments.CachedState(commentID, kind); found {
		cached = *state
	}

	if s.remote.Connected(ctx) {
		result, err := s.toggleCommentOnline(ctx, session.UserID, kind, cached, toggle)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, remote.ErrOffline) {
			return Comment{}, err
		}
	}
	return s.toggleCommentOffline(ctx, session.UserID, kind, cached, toggle)
}

func (s *Service) toggleCommentOnline(ctx context.Context, userID string, kind comments.CommentKind, cached comments.CachedCommentState, toggle comments.ReactionToggle) (Comment, error) {
	actual, err := comments.FetchReactionState(ctx, s.remote, userID, cached.CommentID, kind)
	if err != nil {
		return Comment{}, err
	}
	if err := comments.WriteReactionToggle(ctx, s.remote, userID, cached.CommentID, kind, actual, toggle); err != nil {
		return Comment{}, err
	}
	next := comments.ApplyToggle(actual, toggle)

	cached.IsLiked = next.IsLiked
	cached.IsDisliked = next.IsDisliked
	cached.LikeCount = next.LikeCount
	cached.DislikeCount = next.DislikeCount
	cached.LastSyncedSeconds = s.clock().UTC().Unix()
	if err := s.comments.CacheState(cached); err != nil {
		s.logger.Warn("comment cache update failed after online toggle",
			zap.String("comment_id", cached.CommentID), zap.Error(err))
	}
	s.publishCommentTarget(kind, cached.TargetID, false)
	return s.commentView(cached), nil
}

func (s *Service) toggleCommentOffline(ctx context.Context, userID string, kind comments.CommentKind, cached comments.CachedCommentState, toggle comments.ReactionToggle) (Comment, error) {
	payload := queue.CommentTogglePayload{
		CommentID:            cached.CommentID,
		CommentKind:          kind.String(),
		PreviousLiked:        cached.IsLiked,
		PreviousDisliked:     cached.IsDisliked,
		PreviousLikeCount:    cached.LikeCount,
		PreviousDislikeCount: cached.DislikeCount,
	}
	next := comments.ApplyToggle(cached.Snapshot(), toggle)
	cached.IsLiked = next.IsLiked
	cached.IsDisliked = next.IsDisliked
	cached.LikeCount = next.LikeCount
	cached.DislikeCount = next.DislikeCount
	if err := s.comments.CacheState(cached); err != nil {
		return Comment{}, newServiceError(opCommentToggle, "cache_save_failed", err)
	}

	opType := queue.OperationToggleCommentLike
	if toggle == comments.ToggleDislikeReaction {
		opType = queue.OperationToggleCommentDislike
	}
	if _, _, err := s.queue.Enqueue(ctx, userID, opType, payload); err != nil {
		return Comment{}, newServiceError(opCommentToggle, "enqueue_failed", err)
	}
	s.publishCommentTarget(kind, cached.TargetID, true)
	return s.commentView(cached), nil
}

// AddComment posts a comment under a content entity, or queues a local
// placeholder while offline.
func (s *Service) AddComment(ctx context.Context, kind store.EntityKind, targetID, body string) (InteractionState, error) {
	session, ok := s.remote.CurrentSession()
	if !ok {
		return InteractionState{}, newServiceError(opCommentWrite, "not_signed_in", remote.ErrNotSignedIn)
	}
	if strings.TrimSpace(body) == "" {
		return InteractionState{}, newServiceError(opCommentWrite, "empty_body", queue.ErrInvalidOperation)
	}
	commentKind := commentKindFor(kind)

	if s.remote.Connected(ctx) {
		err := s.remote.Insert(ctx, commentTableFor(commentKind), remote.Row{
			"user_id":   session.UserID,
			"target_id": targetID,
			"body":      body,
		})
		if err == nil {
			state, loadErr := s.loadRemoteState(ctx, kind, targetID)
			if loadErr != nil {
				state = s.cachedState(kind, targetID, false)
			}
			s.hub.Publish(state)
			return state, nil
		}
		if !errors.Is(err, remote.ErrOffline) {
			return InteractionState{}, err
		}
	}

	localID, err := s.idProvider.NewID()
	if err != nil {
		return InteractionState{}, newServiceError(opCommentWrite, "id_generation_failed", err)
	}
	localRef := localCommentPrefix + localID
	placeholder := comments.CachedCommentState{
		CommentID:   localRef,
		CommentKind: commentKind.String(),
		TargetID:    targetID,
		AuthorID:    session.UserID,
		Body:        body,
		Pending:     true,
	}
	if err := s.comments.CacheState(placeholder); err != nil {
		return InteractionState{}, newServiceError(opCommentWrite, "cache_save_failed", err)
	}
	payload := queue.CommentEditPayload{
		CommentKind: commentKind.String(),
		TargetID:    targetID,
		Body:        body,
		LocalRef:    localRef,
	}
	if _, _, err := s.queue.Enqueue(ctx, session.UserID, queue.OperationAddComment, payload); err != nil {
		return InteractionState{}, newServiceError(opCommentWrite, "enqueue_failed", err)
	}
	state := s.cachedState(kind, targetID, true)
	s.hub.Publish(state)
	return state, nil
}

// EditComment rewrites a comment body. Editing a still-pending offline
// placeholder rewrites the queued add instead of queueing an edit the server
// could not resolve.
func (s *Service) EditComment(ctx context.Context, kind comments.CommentKind, commentID, body string) error {
	session, ok := s.remote.CurrentSession()
	if !ok {
		return newServiceError(opCommentWrite, "not_signed_in", remote.ErrNotSignedIn)
	}
	if strings.TrimSpace(body) == "" {
		return newServiceError(opCommentWrite, "empty_body", queue.ErrInvalidOperation)
	}

	cached, found := s.comments.CachedState(commentID, kind)
	isLocalPlaceholder := found && cached.Pending && strings.HasPrefix(commentID, localCommentPrefix)

	if !isLocalPlaceholder && s.remote.Connected(ctx) {
		filters := remote.Filters{"id": commentID, "user_id": session.UserID}
		err := s.remote.Update(ctx, commentTableFor(kind), filters, remote.Row{"body": body})
		if err == nil {
			s.updateCachedBody(kind, commentID, body, false)
			return nil
		}
		if !errors.Is(err, remote.ErrOffline) {
			return err
		}
	}

	s.updateCachedBody(kind, commentID, body, true)

	if isLocalPlaceholder {
		// The add has not replayed yet; refresh its queued payload.
		payload := queue.CommentEditPayload{
			CommentKind: kind.String(),
			TargetID:    cached.TargetID,
			Body:        body,
			LocalRef:    commentID,
		}
		if err := s.queue.CancelTarget(session.UserID, payload.TargetKey(queue.OperationAddComment)); err != nil {
			return newServiceError(opCommentWrite, "requeue_failed", err)
		}
		if _, _, err := s.queue.Enqueue(ctx, session.UserID, queue.OperationAddComment, payload); err != nil {
			return newServiceError(opCommentWrite, "enqueue_failed", err)
		}
		return nil
	}

	payload := queue.CommentEditPayload{
		CommentID:   commentID,
		CommentKind: kind.String(),
		Body:        body,
	}
	if _, _, err := s.queue.Enqueue(ctx, session.UserID, queue.OperationEditComment, payload); err != nil {
		return newServiceError(opCommentWrite, "enqueue_failed", err)
	}
	return nil
}

// DeleteComment removes a comment. Deleting a still-pending offline
// placeholder cancels the queued add with no remote traffic at all.
func (s *Service) DeleteComment(ctx context.Context, kind comments.CommentKind, commentID string) error {
	session, ok := s.remote.CurrentSession()
	if !ok {
		return newServiceError(opCommentWrite, "not_signed_in", remote.ErrNotSignedIn)
	}

	cached, found := s.comments.CachedState(commentID, kind)
	isLocalPlaceholder := found && cached.Pending && strings.HasPrefix(commentID, localCommentPrefix)

	if isLocalPlaceholder {
		payload := queue.CommentEditPayload{
			CommentKind: kind.String(),
			LocalRef:    commentID,
		}
		if err := s.queue.CancelTarget(session.UserID, payload.TargetKey(queue.OperationAddComment)); err != nil {
			return newServiceError(opCommentWrite, "cancel_failed", err)
		}
		if err := s.comments.Delete(commentID, kind); err != nil {
			return newServiceError(opCommentWrite, "cache_delete_failed", err)
		}
		s.publishCommentTarget(kind, cached.TargetID, true)
		return nil
	}

	if s.remote.Connected(ctx) {
		filters := remote.Filters{"id": commentID, "user_id": session.UserID}
		err := s.remote.Delete(ctx, commentTableFor(kind), filters)
		if err == nil {
			if err := s.comments.Delete(commentID, kind); err != nil {
				s.logger.Warn("comment cache delete failed",
					zap.String("comment_id", commentID), zap.Error(err))
			}
			if found {
				s.publishCommentTarget(kind, cached.TargetID, false)
			}
			return nil
		}
		if !errors.Is(err, remote.ErrOffline) {
			return err
		}
	}

	if err := s.comments.Delete(commentID, kind); err != nil {
		return newServiceError(opCommentWrite, "cache_delete_failed", err)
	}
	payload := queue.CommentEditPayload{
		CommentID:   commentID,
		CommentKind: kind.String(),
	}
	if _, _, err := s.queue.Enqueue(ctx, session.UserID, queue.OperationDeleteComment, payload); err != nil {
		return newServiceError(opCommentWrite, "enqueue_failed", err)
	}
	if found {
		s.publishCommentTarget(kind, cached.TargetID, true)
	}
	return nil
}

func (s *Service) updateCachedBody(kind comments.CommentKind, commentID, body string, pending bool) {
	cached, found := s.comments.CachedState(commentID, kind)
	if !found {
		return
	}
	cached.Body = body
	if pending {
		cached.Pending = true
	}
	if err := s.comments.CacheState(*cached); err != nil {
		s.logger.Warn("comment body cache update failed",
			zap.String("comment_id", commentID), zap.Error(err))
		return
	}
	s.publishCommentTarget(kind, cached.TargetID, pending)
}

// UnresolvedConflicts returns the open conflicts on a comment for the
// resolution prompt.
func (s *Service) UnresolvedConflicts(kind comments.CommentKind, commentID string) ([]comments.CommentConflict, error) {
	conflicts, err := s.comments.UnresolvedForComment(kind, commentID)
	if err != nil {
		return nil, newServiceError(opConflicts, "query_failed", err)
	}
	return conflicts, nil
}

// ResolveConflict closes a conflict with the user's chosen outcome.
func (s *Service) ResolveConflict(conflictID string, resolution comments.Resolution) error {
	if err := s.comments.Resolve(conflictID, resolution); err != nil {
		return newServiceError(opConflicts, "resolve_failed", err)
	}
	return nil
}

// EntityUpdated implements the orchestrator's notifier: a replay or populate
// changed this entity's cache, push fresh state to subscribers.
func (s *Service) EntityUpdated(kind store.EntityKind, entityID string) {
	s.hub.Publish(s.cachedState(kind, entityID, false))
}

// CommentUpdated implements the orchestrator's notifier for comment caches.
func (s *Service) CommentUpdated(kind comments.CommentKind, commentID string) {
	if cached, ok := s.comments.CachedState(commentID, kind); ok && cached.TargetID != "" {
		s.publishCommentTarget(kind, cached.TargetID, false)
	}
}

func (s *Service) publishCommentTarget(kind comments.CommentKind, targetID string, offline bool) {
	if targetID == "" {
		return
	}
	s.hub.Publish(s.cachedState(entityKindFor(kind), targetID, offline))
}

// cachedState assembles the interaction view purely from local caches.
func (s *Service) cachedState(kind store.EntityKind, entityID string, offline bool) InteractionState {
	state := InteractionState{
		Kind:      kind,
		EntityID:  entityID,
		IsOffline: offline,
	}
	if entity, ok := s.store.Get(kind, entityID); ok {
		state.IsLiked = entity.IsLiked
		state.LikeCount = entity.LikeCount
		state.IsFavorited = entity.IsFavorite
	}
	commentKind := commentKindFor(kind)
	for _, cached := range s.comments.ListForTarget(commentKind, entityID) {
		view := s.commentView(cached)
		if view.ConflictPending {
			state.ConflictPending = true
		}
		state.Comments = append(state.Comments, view)
	}
	return state
}

func (s *Service) commentView(cached comments.CachedCommentState) Comment {
	return Comment{
		ID:              cached.CommentID,
		AuthorID:        cached.AuthorID,
		Body:            cached.Body,
		IsLiked:         cached.IsLiked,
		IsDisliked:      cached.IsDisliked,
		LikeCount:       cached.LikeCount,
		DislikeCount:    cached.DislikeCount,
		Pending:         cached.Pending,
		ConflictPending: s.comments.HasUnresolved(comments.CommentKind(cached.CommentKind), cached.CommentID),
	}
}

// loadRemoteState reads remote truth for one entity and writes it through
// the caches.
func (s *Service) loadRemoteState(ctx context.Context, kind store.EntityKind, entityID string) (InteractionState, error) {
	commentKind := commentKindFor(kind)
	userID := ""
	if session, ok := s.remote.CurrentSession(); ok {
		userID = session.UserID
	}

	likeRows, err := s.remote.Select(ctx, remote.TableLikes, remote.Filters{
		"target_type": kind.String(), "target_id": entityID,
	})
	if err != nil {
		return InteractionState{}, err
	}
	isLiked := false
	for _, row := range likeRows {
		if userID != "" && row.StringField("user_id") == userID {
			isLiked = true
		}
	}

	isFavorited := false
	if userID != "" {
		favoriteRows, err := s.remote.Select(ctx, remote.TableFavorites, remote.Filters{
			"user_id": userID, "target_type": kind.String(), "target_id": entityID,
		})
		if err != nil {
			return InteractionState{}, err
		}
		isFavorited = len(favoriteRows) > 0
	}

	commentRows, err := s.remote.Select(ctx, commentTableFor(commentKind), remote.Filters{
		"target_id": entityID,
	})
	if err != nil {
		return InteractionState{}, err
	}

	now := s.clock().UTC().Unix()
	entity := store.CachedEntity{Kind: kind.String(), EntityID: entityID}
	if cached, ok := s.store.Get(kind, entityID); ok {
		entity = *cached
	}
	entity.IsLiked = isLiked
	entity.LikeCount = int64(len(likeRows))
	entity.IsFavorite = isFavorited
	entity.NeedsSync = false
	entity.LastSyncedSeconds = now
	if err := s.store.Save(entity); err != nil {
		s.logger.Warn("entity write-through failed",
			zap.String("entity_id", entityID), zap.Error(err))
	}

	state := InteractionState{
		Kind:        kind,
		EntityID:    entityID,
		IsLiked:     isLiked,
		LikeCount:   int64(len(likeRows)),
		IsFavorited: isFavorited,
	}
	for _, row := range commentRows {
		commentID := row.StringField("id")
		if commentID == "" {
			continue
		}
		snapshot, err := comments.FetchReactionState(ctx, s.remote, userID, commentID, commentKind)
		if err != nil {
			return InteractionState{}, err
		}
		cached := comments.CachedCommentState{
			CommentID:         commentID,
			CommentKind:       commentKind.String(),
			TargetID:          entityID,
			AuthorID:          row.StringField("user_id"),
			Body:              row.StringField("body"),
			IsLiked:           snapshot.IsLiked,
			IsDisliked:        snapshot.IsDisliked,
			LikeCount:         snapshot.LikeCount,
			DislikeCount:      snapshot.DislikeCount,
			LastSyncedSeconds: now,
		}
		if err := s.comments.CacheState(cached); err != nil {
			s.logger.Warn("comment write-through failed",
				zap.String("comment_id", commentID), zap.Error(err))
		}
		view := s.commentView(cached)
		if view.ConflictPending {
			state.ConflictPending = true
		}
		state.Comments = append(state.Comments, view)
	}
	s.hub.Publish(state)
	return state, nil
}

func commentKindFor(kind store.EntityKind) comments.CommentKind {
	switch kind {
	case store.KindKata:
		return comments.KindKataComment
	case store.KindOhyo:
		return comments.KindOhyoComment
	default:
		return comments.KindForumComment
	}
}

func entityKindFor(kind comments.CommentKind) store.EntityKind {
	switch kind {
	case comments.KindKataComment:
		return store.KindKata
	case comments.KindOhyoComment:
		return store.KindOhyo
	default:
		return store.KindForumPost
	}
}

func commentTableFor(kind comments.CommentKind) string {
	switch kind {
	case comments.KindKataComment:
		return remote.TableKataComments
	case comments.KindOhyoComment:
		return remote.TableOhyoComments
	default:
		return remote.TableForumComments
	}
}
