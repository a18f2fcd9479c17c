package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
)

func TestPopulateCachesContentAndOwnInteractions(t *testing.T) {
	e := newTestEngine(t)
	e.remote.seed(remote.TableKatas,
		remote.Row{"id": "kata-1", "title": "Heian Shodan", "summary": "First form", "like_count": float64(4)},
		remote.Row{"id": "kata-2", "title": "Heian Nidan", "summary": "Second form", "like_count": float64(1)},
	)
	e.remote.seed(remote.TableLikes,
		remote.Row{"user_id": "user-1", "target_type": "kata", "target_id": "kata-1"},
	)
	e.remote.seed(remote.TableFavorites,
		remote.Row{"user_id": "user-1", "target_type": "kata", "target_id": "kata-2"},
	)
	e.remote.seed(remote.TableKataComments,
		remote.Row{"id": "c-1", "target_id": "kata-1", "user_id": "author-1", "body": "clean lines", "like_count": float64(2)},
	)
	e.remote.seed(remote.TableCommentReactions,
		remote.Row{"user_id": "user-1", "comment_id": "c-1", "comment_type": "kata", "reaction": "like"},
	)

	if err := e.orchestrator.Populate(context.Background(), store.KindKata); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}

	entity, ok := e.store.Get(store.KindKata, "kata-1")
	if !ok {
		t.Fatalf("expected kata-1 to be cached")
	}
	if entity.Title != "Heian Shodan" || !entity.IsLiked || entity.LikeCount != 4 || entity.IsFavorite {
		t.Fatalf("unexpected cached entity: %#v", entity)
	}
	entity, ok = e.store.Get(store.KindKata, "kata-2")
	if !ok {
		t.Fatalf("expected kata-2 to be cached")
	}
	if entity.IsLiked || !entity.IsFavorite {
		t.Fatalf("unexpected interaction flags: %#v", entity)
	}

	state, ok := e.comments.CachedState("c-1", comments.KindKataComment)
	if !ok {
		t.Fatalf("expected comment to be cached")
	}
	if state.Body != "clean lines" || !state.IsLiked || state.LikeCount != 2 {
		t.Fatalf("unexpected cached comment: %#v", state)
	}
	if state.TargetID != "kata-1" {
		t.Fatalf("expected comment bound to its target, got %q", state.TargetID)
	}

	if got := e.store.GetInt64Setting(store.LastSyncedKey(store.KindKata), 0); got == 0 {
		t.Fatalf("expected last synced stamp to be set")
	}
	if got := e.store.GetSetting(store.PopulateErrorKey(store.KindKata), ""); got != "" {
		t.Fatalf("expected no populate error, got %q", got)
	}
}

func TestPopulateKeepsOptimisticStateForPendingEntities(t *testing.T) {
	e := newTestEngine(t)
	e.remote.seed(remote.TableKatas,
		remote.Row{"id": "kata-1", "title": "Heian Shodan", "like_count": float64(9)},
	)
	// An offline like flipped the cache and queued the replay.
	if err := e.store.Save(store.CachedEntity{
		Kind: store.KindKata.String(), EntityID: "kata-1",
		IsLiked: true, LikeCount: 10, NeedsSync: true,
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	_, _, err := e.queue.Enqueue(context.Background(), "user-1", queue.OperationToggleLike, queue.TogglePayload{
		TargetKind: "kata", TargetID: "kata-1", PreviousActive: false, PreviousCount: 9,
	})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := e.orchestrator.Populate(context.Background(), store.KindKata); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}

	entity, ok := e.store.Get(store.KindKata, "kata-1")
	if !ok {
		t.Fatalf("expected entity to be cached")
	}
	if !entity.IsLiked || entity.LikeCount != 10 || !entity.NeedsSync {
		t.Fatalf("populate must not clobber optimistic state, got %#v", entity)
	}
	if entity.Title != "Heian Shodan" {
		t.Fatalf("content fields still refresh, got %q", entity.Title)
	}
}

func TestPopulateSkipsCommentsWithPendingToggles(t *testing.T) {
	e := newTestEngine(t)
	e.remote.seed(remote.TableKataComments,
		remote.Row{"id": "c-1", "target_id": "kata-1", "body": "remote body", "like_count": float64(7)},
	)
	if err := e.comments.CacheState(comments.CachedCommentState{
		CommentID: "c-1", CommentKind: comments.KindKataComment.String(),
		TargetID: "kata-1", IsLiked: true, LikeCount: 8,
	}); err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	_, _, err := e.queue.Enqueue(context.Background(), "user-1", queue.OperationToggleCommentLike, queue.CommentTogglePayload{
		CommentID: "c-1", CommentKind: "kata", PreviousLikeCount: 7,
	})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := e.orchestrator.Populate(context.Background(), store.KindKata); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}

	state, ok := e.comments.CachedState("c-1", comments.KindKataComment)
	if !ok {
		t.Fatalf("expected cached comment state")
	}
	if !state.IsLiked || state.LikeCount != 8 {
		t.Fatalf("populate must not clobber a pending comment toggle, got %#v", state)
	}
}

func TestPopulateOfflineRecordsErrorFlag(t *testing.T) {
	e := newTestEngine(t)
	e.remote.connected = false

	err := e.orchestrator.Populate(context.Background(), store.KindKata)
	if !errors.Is(err, remote.ErrOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}
	if got := e.store.GetSetting(store.PopulateErrorKey(store.KindKata), ""); got == "" {
		t.Fatalf("expected populate error flag to be set")
	}
}

func TestPopulateFetchFailureLeavesCacheIntact(t *testing.T) {
	e := newTestEngine(t)
	if err := e.store.Save(store.CachedEntity{
		Kind: store.KindKata.String(), EntityID: "kata-1", Title: "kept",
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	e.remote.failTable(remote.TableKatas, remote.ErrRejected)

	if err := e.orchestrator.Populate(context.Background(), store.KindKata); err == nil {
		t.Fatalf("expected populate to fail")
	}

	entity, ok := e.store.Get(store.KindKata, "kata-1")
	if !ok || entity.Title != "kept" {
		t.Fatalf("failed populate must leave prior cache intact, got %#v", entity)
	}
	if got := e.store.GetSetting(store.PopulateErrorKey(store.KindKata), ""); got == "" {
		t.Fatalf("expected populate error flag to be set")
	}
}

func TestPopulateAllSetsComprehensiveFlag(t *testing.T) {
	e := newTestEngine(t)
	if err := e.orchestrator.PopulateAll(context.Background()); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}
	if !e.store.GetBoolSetting(store.SettingComprehensiveCacheCompleted, false) {
		t.Fatalf("expected comprehensive cache flag after full populate")
	}
}

func TestPopulateWritesMediaManifest(t *testing.T) {
	e := newTestEngine(t)
	e.remote.seed(remote.TableOhyos,
		remote.Row{
			"id":         "ohyo-1",
			"title":      "Application one",
			"media_urls": []any{"https://cdn.example/a.jpg", "https://cdn.example/b.mp4"},
		},
	)

	if err := e.orchestrator.Populate(context.Background(), store.KindOhyo); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}

	urls := e.orchestrator.media.ManifestURLs(store.KindOhyo.String(), "ohyo-1")
	if len(urls) != 2 || urls[0] != "https://cdn.example/a.jpg" {
		t.Fatalf("unexpected manifest: %#v", urls)
	}
}

func TestPopulateEnforcesMediaBudget(t *testing.T) {
	e := newTestEngine(t)
	e.orchestrator.mediaBudget = 15

	// The fake remote serves 11-byte payloads, so two images overshoot the
	// 15-byte bound and exactly one must survive the post-populate prune.
	cache := e.orchestrator.media
	if err := cache.Prefetch(context.Background(), "https://cdn.example/a.jpg", false); err != nil {
		t.Fatalf("unexpected prefetch error: %v", err)
	}
	if err := cache.Prefetch(context.Background(), "https://cdn.example/b.jpg", false); err != nil {
		t.Fatalf("unexpected prefetch error: %v", err)
	}
	if got := cache.CacheSize(); got != 22 {
		t.Fatalf("expected 22 cached bytes before populate, got %d", got)
	}

	if err := e.orchestrator.Populate(context.Background(), store.KindKata); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}

	if got := cache.CacheSize(); got != 11 {
		t.Fatalf("expected cache pruned to the byte bound, got %d", got)
	}
}

func TestPopulateAcceptsNumericContentIDs(t *testing.T) {
	e := newTestEngine(t)
	e.remote.seed(remote.TableKatas, remote.Row{
		"id":         float64(7),
		"title":      "Heian Shodan",
		"like_count": float64(2),
	})

	if err := e.orchestrator.Populate(context.Background(), store.KindKata); err != nil {
		t.Fatalf("unexpected populate error: %v", err)
	}

	entity, ok := e.store.Get(store.KindKata, "7")
	if !ok {
		t.Fatalf("expected numeric-id entity to be cached")
	}
	if entity.Title != "Heian Shodan" || entity.LikeCount != 2 {
		t.Fatalf("unexpected cached entity: %#v", entity)
	}
}

func TestIsVideoURL(t *testing.T) {
	if !isVideoURL("https://cdn.example/clip.MP4") {
		t.Fatalf("expected .mp4 to count as video")
	}
	if isVideoURL("https://cdn.example/photo.jpg") {
		t.Fatalf("expected .jpg to count as image")
	}
}
