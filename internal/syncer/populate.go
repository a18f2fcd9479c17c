package syncer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
)

// PopulateAll runs the comprehensive cache cycle for every entity class and
// sets the completion flag once all succeed.
func (o *Orchestrator) PopulateAll(ctx context.Context) error {
	kinds := []store.EntityKind{store.KindKata, store.KindOhyo, store.KindForumPost}
	for _, kind := range kinds {
		if err := o.Populate(ctx, kind); err != nil {
			return err
		}
	}
	if err := o.store.SetBoolSetting(store.SettingComprehensiveCacheCompleted, true); err != nil {
		return newServiceError(opPopulate, "flag_save_failed", err)
	}
	return nil
}

// Populate pulls one entity class from the remote service into the local
// store and media cache. Every remote fetch completes before the first local
// write, so a mid-cycle failure leaves previously cached data intact. A
// failure is recorded in a settings flag the UI consults, never thrown past
// the orchestrator boundary into UI code.
func (o *Orchestrator) Populate(ctx context.Context, kind store.EntityKind) error {
	if !o.remote.Connected(ctx) {
		return o.populateFailed(kind, newServiceError(opPopulate, "offline", remote.ErrOffline))
	}

	o.mu.Lock()
	if o.populatePhases[kind] != PhaseIdle {
		o.mu.Unlock()
		return nil
	}
	o.populatePhases[kind] = PhasePopulating
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.populatePhases[kind] = PhaseIdle
		o.mu.Unlock()
	}()

	snapshot, err := o.fetchKindSnapshot(ctx, kind)
	if err != nil {
		return o.populateFailed(kind, newServiceError(opPopulate, "fetch_failed", err))
	}

	o.writeKindSnapshot(ctx, kind, snapshot)

	now := o.clock().UTC().Unix()
	if err := o.store.SetInt64Setting(store.LastSyncedKey(kind), now); err != nil {
		return newServiceError(opPopulate, "stamp_save_failed", err)
	}
	if err := o.store.SetSetting(store.PopulateErrorKey(kind), ""); err != nil {
		o.logger.Warn("populate error flag reset failed",
			zap.String("kind", kind.String()), zap.Error(err))
	}
	if o.mediaBudget > 0 {
		if err := o.media.Prune(o.mediaBudget); err != nil {
			o.logger.Warn("media cache prune failed", zap.Error(err))
		}
	}
	o.logger.Info("comprehensive cache populated",
		zap.String("kind", kind.String()),
		zap.Int("entities", len(snapshot.contentRows)))
	return nil
}

// kindSnapshot holds everything fetched for one entity class before any
// local write happens.
type kindSnapshot struct {
	contentRows    []remote.Row
	commentRows    []remote.Row
	likedIDs       map[string]bool
	favoriteIDs    map[string]bool
	myReactions    map[string]string // comment id -> like|dislike
	pendingEntity  map[string]bool   // entity ids with queued local toggles
	pendingComment map[string]bool   // comment ids with queued local toggles
}

func (o *Orchestrator) fetchKindSnapshot(ctx context.Context, kind store.EntityKind) (kindSnapshot, error) {
	snapshot := kindSnapshot{
		likedIDs:       map[string]bool{},
		favoriteIDs:    map[string]bool{},
		myReactions:    map[string]string{},
		pendingEntity:  map[string]bool{},
		pendingComment: map[string]bool{},
	}
	commentKind := CommentKindFor(kind)

	rows, err := o.remote.Select(ctx, ContentTable(kind), nil)
	if err != nil {
		return kindSnapshot{}, err
	}
	snapshot.contentRows = rows

	commentRows, err := o.remote.Select(ctx, CommentTable(commentKind), nil)
	if err != nil {
		return kindSnapshot{}, err
	}
	snapshot.commentRows = commentRows

	session, signedIn := o.remote.CurrentSession()
	if !signedIn {
		return snapshot, nil
	}

	likeRows, err := o.remote.Select(ctx, remote.TableLikes, remote.Filters{
		"user_id": session.UserID, "target_type": kind.String(),
	})
	if err != nil {
		return kindSnapshot{}, err
	}
	for _, row := range likeRows {
		snapshot.likedIDs[row.StringField("target_id")] = true
	}

	favoriteRows, err := o.remote.Select(ctx, remote.TableFavorites, remote.Filters{
		"user_id": session.UserID, "target_type": kind.String(),
	})
	if err != nil {
		return kindSnapshot{}, err
	}
	for _, row := range favoriteRows {
		snapshot.favoriteIDs[row.StringField("target_id")] = true
	}

	reactionRows, err := o.remote.Select(ctx, remote.TableCommentReactions, remote.Filters{
		"user_id": session.UserID, "comment_type": commentKind.String(),
	})
	if err != nil {
		return kindSnapshot{}, err
	}
	for _, row := range reactionRows {
		snapshot.myReactions[row.StringField("comment_id")] = row.StringField("reaction")
	}

	pending, err := o.queue.Pending(session.UserID)
	if err != nil {
		return kindSnapshot{}, err
	}
	for _, op := range pending {
		payload, err := queue.DecodePayload(op)
		if err != nil {
			continue
		}
		switch typed := payload.(type) {
		case queue.TogglePayload:
			if typed.TargetKind == kind.String() {
				snapshot.pendingEntity[typed.TargetID] = true
			}
		case queue.CommentTogglePayload:
			if typed.CommentKind == commentKind.String() {
				snapshot.pendingComment[typed.CommentID] = true
			}
		}
	}
	return snapshot, nil
}

// writeKindSnapshot writes the fetched state through to the local store and
// media cache. Entities and comments with queued local toggles keep their
// optimistic values and stay marked needs-sync; the drain will reconcile them.
func (o *Orchestrator) writeKindSnapshot(ctx context.Context, kind store.EntityKind, snapshot kindSnapshot) {
	now := o.clock().UTC().Unix()
	commentKind := CommentKindFor(kind)

	for _, row := range snapshot.contentRows {
		entityID := row.StringField("id")
		if entityID == "" {
			continue
		}
		entity := store.CachedEntity{Kind: kind.String(), EntityID: entityID}
		cached, hadCache := o.store.Get(kind, entityID)
		if hadCache {
			entity = *cached
		}

		entity.Title = row.StringField("title")
		entity.Summary = row.StringField("summary")
		entity.LastSyncedSeconds = now

		if snapshot.pendingEntity[entityID] && hadCache {
			entity.NeedsSync = true
		} else {
			entity.IsLiked = snapshot.likedIDs[entityID]
			entity.IsFavorite = snapshot.favoriteIDs[entityID]
			entity.LikeCount = row.Int64Field("like_count")
			entity.NeedsSync = false
		}

		if err := o.store.Save(entity); err != nil {
			o.logger.Warn("entity cache write failed during populate",
				zap.String("entity_id", entityID), zap.Error(err))
			continue
		}

		if urls := mediaURLs(row); len(urls) > 0 {
			if err := o.media.UpdateManifest(kind.String(), entityID, urls); err != nil {
				o.logger.Warn("media manifest write failed",
					zap.String("entity_id", entityID), zap.Error(err))
			}
			if o.prefetchImages && o.unmetered {
				for _, url := range urls {
					if err := o.media.Prefetch(ctx, url, isVideoURL(url)); err != nil {
						o.logger.Debug("media prefetch failed",
							zap.String("url", url), zap.Error(err))
					}
				}
			}
		}
		o.notifyEntity(kind, entityID)
	}

	for _, row := range snapshot.commentRows {
		commentID := row.StringField("id")
		if commentID == "" || snapshot.pendingComment[commentID] {
			continue
		}
		state := comments.CachedCommentState{
			CommentID:         commentID,
			CommentKind:       commentKind.String(),
			TargetID:          row.StringField("target_id"),
			AuthorID:          row.StringField("user_id"),
			Body:              row.StringField("body"),
			LikeCount:         row.Int64Field("like_count"),
			DislikeCount:      row.Int64Field("dislike_count"),
			IsLiked:           snapshot.myReactions[commentID] == "like",
			IsDisliked:        snapshot.myReactions[commentID] == "dislike",
			LastSyncedSeconds: now,
		}
		if err := o.comments.CacheState(state); err != nil {
			o.logger.Warn("comment cache write failed during populate",
				zap.String("comment_id", commentID), zap.Error(err))
			continue
		}
		o.notifyComment(commentKind, commentID)
	}
}

func (o *Orchestrator) populateFailed(kind store.EntityKind, cause error) error {
	if err := o.store.SetSetting(store.PopulateErrorKey(kind), cause.Error()); err != nil {
		o.logger.Warn("populate error flag save failed",
			zap.String("kind", kind.String()), zap.Error(err))
	}
	return cause
}

func mediaURLs(row remote.Row) []string {
	raw, ok := row["media_urls"].([]any)
	if !ok {
		return nil
	}
	urls := make([]string, 0, len(raw))
	for _, value := range raw {
		if url, ok := value.(string); ok && url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

func isVideoURL(url string) bool {
	lowered := strings.ToLower(url)
	return strings.HasSuffix(lowered, ".mp4") ||
		strings.HasSuffix(lowered, ".mov") ||
		strings.HasSuffix(lowered, ".webm")
}
