package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/interactions"
	"github.com/tatamilabs/dojosync/internal/media"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
	"github.com/tatamilabs/dojosync/internal/syncer"
)

type stubRemote struct {
	mu        sync.Mutex
	tables    map[string][]remote.Row
	session   *remote.Session
	connected bool
}

func newStubRemote() *stubRemote {
	return &stubRemote{
		tables:    make(map[string][]remote.Row),
		session:   &remote.Session{UserID: "user-1", ExpiresAt: time.Unix(1800000000, 0)},
		connected: false,
	}
}

func (s *stubRemote) Select(_ context.Context, table string, filters remote.Filters) ([]remote.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []remote.Row
	for _, row := range s.tables[table] {
		matched := true
		for column, want := range filters {
			if row[column] != want {
				matched = false
				break
			}
		}
		if matched {
			result = append(result, row)
		}
	}
	return result, nil
}

func (s *stubRemote) Insert(_ context.Context, table string, row remote.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], row)
	return nil
}

func (s *stubRemote) Update(context.Context, string, remote.Filters, remote.Row) error {
	return nil
}

func (s *stubRemote) Delete(context.Context, string, remote.Filters) error {
	return nil
}

func (s *stubRemote) CurrentSession() (*remote.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, false
	}
	return s.session, true
}

func (s *stubRemote) DownloadObject(context.Context, string, string) ([]byte, error) {
	return nil, remote.ErrOffline
}

func (s *stubRemote) DownloadURL(context.Context, string) ([]byte, error) {
	return nil, remote.ErrOffline
}

func (s *stubRemote) Connected(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

type apiFixture struct {
	handler http.Handler
	remote  *stubRemote
	store   *store.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	err = db.AutoMigrate(
		&store.CachedEntity{}, &store.Setting{},
		&queue.Operation{},
		&comments.CachedCommentState{}, &comments.CommentConflict{},
		&media.Entry{}, &media.Manifest{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	stub := newStubRemote()
	contentStore, err := store.NewStore(store.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	operationQueue, err := queue.NewQueue(queue.ServiceConfig{Database: db, IDProvider: queue.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{Database: db, IDProvider: queue.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct comment service: %v", err)
	}
	mediaCache, err := media.NewCache(media.CacheConfig{
		Database:   db,
		Directory:  t.TempDir(),
		Downloader: stub,
		Connected:  stub.Connected,
	})
	if err != nil {
		t.Fatalf("failed to construct media cache: %v", err)
	}
	orchestrator, err := syncer.New(syncer.Config{
		Remote:   stub,
		Store:    contentStore,
		Queue:    operationQueue,
		Comments: commentService,
		Media:    mediaCache,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	interactionService, err := interactions.NewService(interactions.ServiceConfig{
		Remote:     stub,
		Store:      contentStore,
		Queue:      operationQueue,
		Comments:   commentService,
		IDProvider: queue.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct interaction service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Interactions: interactionService,
		Orchestrator: orchestrator,
		Queue:        operationQueue,
		Media:        mediaCache,
		Remote:       stub,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &apiFixture{handler: handler, remote: stub, store: contentStore}
}

func (f *apiFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestGetInteractionsRejectsUnknownKind(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/interactions/video/abc", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestGetInteractionsServesCachedStateOffline(t *testing.T) {
	f := newAPIFixture(t)
	if err := f.store.Save(store.CachedEntity{
		Kind: store.KindKata.String(), EntityID: "kata-1",
		IsLiked: true, LikeCount: 4,
	}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	recorder := f.request(t, http.MethodGet, "/interactions/kata/kata-1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var state interactions.InteractionState
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !state.IsOffline || !state.IsLiked || state.LikeCount != 4 {
		t.Fatalf("unexpected state: %#v", state)
	}
}

func TestToggleLikeWithoutSessionReturns401(t *testing.T) {
	f := newAPIFixture(t)
	f.remote.session = nil
	recorder := f.request(t, http.MethodPost, "/interactions/kata/kata-1/like", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestToggleLikeOfflineReturnsOptimisticState(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodPost, "/interactions/kata/kata-1/like", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var state interactions.InteractionState
	if err := json.Unmarshal(recorder.Body.Bytes(), &state); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !state.IsLiked || !state.IsOffline {
		t.Fatalf("expected optimistic offline state, got %#v", state)
	}
}

func TestAddCommentRejectsEmptyBody(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodPost, "/interactions/kata/kata-1/comments", `{"body":"  "}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestResolveConflictRejectsUnknownResolution(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodPost, "/conflicts/c-1/resolve", `{"resolution":"coin_flip"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestSyncStatusAlwaysResponds(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/sync/status", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var status syncer.Status
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if status.Online {
		t.Fatalf("expected offline status from the stub")
	}
}

func TestDrainOfflineReturns503(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodPost, "/sync/drain", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestQueueAttentionRequiresSession(t *testing.T) {
	f := newAPIFixture(t)
	f.remote.session = nil
	recorder := f.request(t, http.MethodGet, "/queue/attention", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestQueueAttentionListsFrozenOperations(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/queue/attention", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Operations []queue.Operation `json:"operations"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(payload.Operations) != 0 {
		t.Fatalf("expected empty attention list, got %d", len(payload.Operations))
	}
}

func TestMediaResolveOfflineReturns404(t *testing.T) {
	f := newAPIFixture(t)
	recorder := f.request(t, http.MethodGet, "/media/resolve?url=https://cdn.example/a.jpg", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
