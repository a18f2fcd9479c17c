package interactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
)

type fakeRemote struct {
	mu        sync.Mutex
	tables    map[string][]remote.Row
	failures  map[string]error
	session   *remote.Session
	connected bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables:    make(map[string][]remote.Row),
		failures:  make(map[string]error),
		session:   &remote.Session{UserID: "user-1", ExpiresAt: time.Unix(1800000000, 0)},
		connected: true,
	}
}

func (f *fakeRemote) seed(table string, rows ...remote.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append(f.tables[table], rows...)
}

func matches(row remote.Row, filters remote.Filters) bool {
	for column, want := range filters {
		if row[column] != want {
			return false
		}
	}
	return true
}

func (f *fakeRemote) Select(_ context.Context, table string, filters remote.Filters) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[table]; err != nil {
		return nil, err
	}
	var result []remote.Row
	for _, row := range f.tables[table] {
		if matches(row, filters) {
			result = append(result, row)
		}
	}
	return result, nil
}

func (f *fakeRemote) Insert(_ context.Context, table string, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[table]; err != nil {
		return err
	}
	f.tables[table] = append(f.tables[table], row)
	return nil
}

func (f *fakeRemote) Update(_ context.Context, table string, filters remote.Filters, row remote.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[table]; err != nil {
		return err
	}
	for _, existing := range f.tables[table] {
		if matches(existing, filters) {
			for column, value := range row {
				existing[column] = value
			}
		}
	}
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, table string, filters remote.Filters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[table]; err != nil {
		return err
	}
	var kept []remote.Row
	for _, row := range f.tables[table] {
		if !matches(row, filters) {
			kept = append(kept, row)
		}
	}
	f.tables[table] = kept
	return nil
}

func (f *fakeRemote) CurrentSession() (*remote.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, false
	}
	return f.session, true
}

func (f *fakeRemote) DownloadObject(context.Context, string, string) ([]byte, error) {
	return nil, remote.ErrOffline
}

func (f *fakeRemote) DownloadURL(context.Context, string) ([]byte, error) {
	return nil, remote.ErrOffline
}

func (f *fakeRemote) Connected(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRemote) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

type facade struct {
	remote   *fakeRemote
	store    *store.Store
	queue    *queue.Queue
	comments *comments.Service
	service  *Service
}

func newTestFacade(t *testing.T) *facade {
	t.Helper()
	dsn := fmt.Sprintf("file:interactions_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	err = db.AutoMigrate(
		&store.CachedEntity{}, &store.Setting{},
		&queue.Operation{},
		&comments.CachedCommentState{}, &comments.CommentConflict{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	fake := newFakeRemote()
	contentStore, err := store.NewStore(store.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	operationQueue, err := queue.NewQueue(queue.ServiceConfig{
		Database:   db,
		IDProvider: queue.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Database:   db,
		IDProvider: queue.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct comment service: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Remote:     fake,
		Store:      contentStore,
		Queue:      operationQueue,
		Comments:   commentService,
		IDProvider: queue.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return &facade{
		remote:   fake,
		store:    contentStore,
		queue:    operationQueue,
		comments: commentService,
		service:  service,
	}
}

func TestLoadInteractionsOfflineServesCache(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false
	if err := f.store.Save(store.CachedEntity{
		Kind: store.KindKata.String(), EntityID: "kata-1",
		IsLiked: true, LikeCount: 4, IsFavorite: true,
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	state, err := f.service.LoadInteractions(context.Background(), store.KindKata, "kata-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !state.IsOffline {
		t.Fatalf("offline load must be flagged as such")
	}
	if !state.IsLiked || state.LikeCount != 4 || !state.IsFavorited {
		t.Fatalf("unexpected state: %#v", state)
	}
}

func TestLoadInteractionsOnlineWritesThrough(t *testing.T) {
	f := newTestFacade(t)
	f.remote.seed(remote.TableLikes,
		remote.Row{"user_id": "user-1", "target_type": "kata", "target_id": "kata-1"},
		remote.Row{"user_id": "other", "target_type": "kata", "target_id": "kata-1"},
	)
	f.remote.seed(remote.TableKataComments,
		remote.Row{"id": "c-1", "target_id": "kata-1", "user_id": "author-1", "body": "solid"},
	)

	state, err := f.service.LoadInteractions(context.Background(), store.KindKata, "kata-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if state.IsOffline {
		t.Fatalf("online load must not be flagged offline")
	}
	if !state.IsLiked || state.LikeCount != 2 {
		t.Fatalf("unexpected state: %#v", state)
	}
	if len(state.Comments) != 1 || state.Comments[0].Body != "solid" {
		t.Fatalf("unexpected comments: %#v", state.Comments)
	}

	entity, ok := f.store.Get(store.KindKata, "kata-1")
	if !ok || entity.LikeCount != 2 {
		t.Fatalf("expected write-through to the entity cache, got %#v", entity)
	}
	if _, ok := f.comments.CachedState("c-1", comments.KindKataComment); !ok {
		t.Fatalf("expected write-through to the comment cache")
	}
}

func TestToggleLikeRequiresSession(t *testing.T) {
	f := newTestFacade(t)
	f.remote.session = nil
	_, err := f.service.ToggleLike(context.Background(), store.KindKata, "kata-1")
	if !errors.Is(err, remote.ErrNotSignedIn) {
		t.Fatalf("expected not-signed-in error, got %v", err)
	}
}

func TestToggleLikeOnlineWritesRemoteRow(t *testing.T) {
	f := newTestFacade(t)
	state, err := f.service.ToggleLike(context.Background(), store.KindKata, "kata-1")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if !state.IsLiked || state.LikeCount != 1 {
		t.Fatalf("unexpected state: %#v", state)
	}
	if got := f.remote.rowCount(remote.TableLikes); got != 1 {
		t.Fatalf("expected remote like row, got %d", got)
	}
	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("online toggles must not queue, got %d", len(pending))
	}
}

func TestToggleLikeOfflineQueuesWithSnapshot(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false
	if err := f.store.Save(store.CachedEntity{
		Kind: store.KindKata.String(), EntityID: "kata-1", LikeCount: 2,
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	state, err := f.service.ToggleLike(context.Background(), store.KindKata, "kata-1")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if !state.IsLiked || state.LikeCount != 3 || !state.IsOffline {
		t.Fatalf("unexpected optimistic state: %#v", state)
	}

	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one queued operation, got %d", len(pending))
	}
	payload, err := queue.DecodePayload(pending[0])
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	toggle := payload.(queue.TogglePayload)
	if toggle.PreviousActive || toggle.PreviousCount != 2 {
		t.Fatalf("expected pre-toggle snapshot, got %#v", toggle)
	}

	entity, ok := f.store.Get(store.KindKata, "kata-1")
	if !ok || !entity.NeedsSync {
		t.Fatalf("expected entity marked needs-sync, got %#v", entity)
	}
}

func TestOfflineToggleTwiceNetsOut(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false
	if err := f.store.Save(store.CachedEntity{
		Kind: store.KindKata.String(), EntityID: "kata-1", LikeCount: 2,
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	if _, err := f.service.ToggleLike(context.Background(), store.KindKata, "kata-1"); err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	state, err := f.service.ToggleLike(context.Background(), store.KindKata, "kata-1")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}

	if state.IsLiked || state.LikeCount != 2 {
		t.Fatalf("expected the pair to net out, got %#v", state)
	}
	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected the toggle pair to collapse, got %d entries", len(pending))
	}
}

func TestToggleForumLikeUsesForumOperationType(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false
	if _, err := f.service.ToggleLike(context.Background(), store.KindForumPost, "post-1"); err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != string(queue.OperationToggleForumLike) {
		t.Fatalf("expected forum like operation, got %#v", pending)
	}
}

func TestToggleCommentLikeOfflineQueuesSnapshot(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false
	if err := f.comments.CacheState(comments.CachedCommentState{
		CommentID: "c-1", CommentKind: comments.KindForumComment.String(),
		TargetID: "post-1", LikeCount: 2,
	}); err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}

	comment, err := f.service.ToggleCommentLike(context.Background(), comments.KindForumComment, "c-1")
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if !comment.IsLiked || comment.LikeCount != 3 {
		t.Fatalf("unexpected optimistic comment: %#v", comment)
	}

	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one queued operation, got %d", len(pending))
	}
	payload, err := queue.DecodePayload(pending[0])
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	toggle := payload.(queue.CommentTogglePayload)
	if toggle.PreviousLiked || toggle.PreviousLikeCount != 2 {
		t.Fatalf("expected pre-toggle snapshot, got %#v", toggle)
	}
}

func TestAddCommentOfflineCreatesPendingPlaceholder(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false

	state, err := f.service.AddComment(context.Background(), store.KindKata, "kata-1", "offline thought")
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if len(state.Comments) != 1 {
		t.Fatalf("expected placeholder in the thread, got %d", len(state.Comments))
	}
	placeholder := state.Comments[0]
	if !placeholder.Pending || !strings.HasPrefix(placeholder.ID, localCommentPrefix) {
		t.Fatalf("expected pending local placeholder, got %#v", placeholder)
	}
	if placeholder.Body != "offline thought" {
		t.Fatalf("unexpected placeholder body: %q", placeholder.Body)
	}

	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != string(queue.OperationAddComment) {
		t.Fatalf("expected queued add, got %#v", pending)
	}
}

func TestAddCommentRejectsEmptyBody(t *testing.T) {
	f := newTestFacade(t)
	if _, err := f.service.AddComment(context.Background(), store.KindKata, "kata-1", "   "); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestDeleteCommentOfPendingPlaceholderCancelsQueuedAdd(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false

	state, err := f.service.AddComment(context.Background(), store.KindKata, "kata-1", "never mind")
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	placeholderID := state.Comments[0].ID

	if err := f.service.DeleteComment(context.Background(), comments.KindKataComment, placeholderID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected queued add to be cancelled, got %d entries", len(pending))
	}
	if _, ok := f.comments.CachedState(placeholderID, comments.KindKataComment); ok {
		t.Fatalf("expected placeholder to be removed from the cache")
	}
}

func TestEditPendingPlaceholderRewritesQueuedAdd(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false

	state, err := f.service.AddComment(context.Background(), store.KindKata, "kata-1", "first draft")
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	placeholderID := state.Comments[0].ID

	if err := f.service.EditComment(context.Background(), comments.KindKataComment, placeholderID, "final draft"); err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}

	pending, err := f.queue.Pending("user-1")
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != string(queue.OperationAddComment) {
		t.Fatalf("expected a single rewritten add, got %#v", pending)
	}
	payload, err := queue.DecodePayload(pending[0])
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	edit := payload.(queue.CommentEditPayload)
	if edit.Body != "final draft" || edit.LocalRef != placeholderID {
		t.Fatalf("unexpected queued payload: %#v", edit)
	}

	cached, ok := f.comments.CachedState(placeholderID, comments.KindKataComment)
	if !ok || cached.Body != "final draft" {
		t.Fatalf("expected cached body to update, got %#v", cached)
	}
}

func TestConflictPendingSurfacesInState(t *testing.T) {
	f := newTestFacade(t)
	f.remote.connected = false
	if err := f.comments.CacheState(comments.CachedCommentState{
		CommentID: "c-1", CommentKind: comments.KindKataComment.String(),
		TargetID: "kata-1",
	}); err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	if _, err := f.comments.Record(context.Background(), "c-1", comments.KindKataComment,
		comments.ReactionSnapshot{IsLiked: true, LikeCount: 1}, comments.ReactionSnapshot{LikeCount: 3}); err != nil {
		t.Fatalf("unexpected record error: %v", err)
	}

	state, err := f.service.LoadInteractions(context.Background(), store.KindKata, "kata-1")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !state.ConflictPending {
		t.Fatalf("expected conflict flag on the entity state")
	}
	if len(state.Comments) != 1 || !state.Comments[0].ConflictPending {
		t.Fatalf("expected conflict flag on the comment, got %#v", state.Comments)
	}

	conflicts, err := f.service.UnresolvedConflicts(comments.KindKataComment, "c-1")
	if err != nil {
		t.Fatalf("unexpected conflict query error: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one open conflict, got %d", len(conflicts))
	}
	if err := f.service.ResolveConflict(conflicts[0].ConflictID, comments.ResolutionAcknowledged); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if f.comments.HasUnresolved(comments.KindKataComment, "c-1") {
		t.Fatalf("expected conflict to be closed")
	}
}

func TestHubDeliversPublishedState(t *testing.T) {
	hub := NewStateHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, release := hub.Subscribe(ctx, store.KindKata, "kata-1")
	defer release()

	hub.Publish(InteractionState{Kind: store.KindKata, EntityID: "kata-1", LikeCount: 5})
	select {
	case state := <-stream:
		if state.LikeCount != 5 {
			t.Fatalf("unexpected state: %#v", state)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected published state to arrive")
	}

	// Other entities do not leak into this subscription.
	hub.Publish(InteractionState{Kind: store.KindKata, EntityID: "kata-2"})
	select {
	case state := <-stream:
		t.Fatalf("unexpected delivery: %#v", state)
	case <-time.After(50 * time.Millisecond):
	}
}
