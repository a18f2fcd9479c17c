// Package syncer drives the end-to-end offline sync cycle: it drains the
// queued mutations once connectivity returns, reconciles replays against
// remote state, and runs the comprehensive cache that makes content
// available offline.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/media"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
)

// Phase is the orchestrator's state for one activity.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDraining   Phase = "draining"
	PhasePopulating Phase = "populating"
)

const defaultDrainWorkers = 4

var (
	errMissingRemote   = errors.New("remote client is required")
	errMissingStore    = errors.New("local store is required")
	errMissingQueue    = errors.New("operation queue is required")
	errMissingComments = errors.New("comment service is required")
	errMissingMedia    = errors.New("media cache is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps an orchestrator failure with an operation.reason code.
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
	opOrchestratorNew = "syncer.new"
	opDrain           = "syncer.drain"
	opPopulate        = "syncer.populate"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Notifier receives cache-change callbacks after replay or populate updates
// local state, so the UI facade can push fresh state to subscribers.
type Notifier interface {
	EntityUpdated(kind store.EntityKind, entityID string)
	CommentUpdated(kind comments.CommentKind, commentID string)
}

// Config describes the dependencies of the orchestrator.
type Config struct {
	Remote         remote.Client
	Feed           *remote.Feed
	Store          *store.Store
	Queue          *queue.Queue
	Comments       *comments.Service
	Media          *media.Cache
	Clock          func() time.Time
	Logger         *zap.Logger
	Interval       time.Duration
	DrainWorkers   int
	PrefetchImages bool
	UnmeteredLink  bool
	MediaBudget    int64 // cache byte bound enforced after each populate; 0 disables pruning
}

// Orchestrator is the single writer for sync-driven mutations of the local
// store and queue.
type Orchestrator struct {
	remote         remote.Client
	feed           *remote.Feed
	store          *store.Store
	queue          *queue.Queue
	comments       *comments.Service
	media          *media.Cache
	clock          func() time.Time
	logger         *zap.Logger
	interval       time.Duration
	drainWorkers   int
	prefetchImages bool
	unmetered      bool
	mediaBudget    int64

	mu             sync.Mutex
	drainPhase     Phase
	populatePhases map[store.EntityKind]Phase
	lastDrainAt    time.Time
	notifier       Notifier
}

// New validates the configuration and constructs the orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Remote == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_remote", errMissingRemote)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_queue", errMissingQueue)
	}
	if cfg.Comments == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_comments", errMissingComments)
	}
	if cfg.Media == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_media", errMissingMedia)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	workers := cfg.DrainWorkers
	if workers <= 0 {
		workers = defaultDrainWorkers
	}
	return &Orchestrator{
		remote:         cfg.Remote,
		feed:           cfg.Feed,
		store:          cfg.Store,
		queue:          cfg.Queue,
		comments:       cfg.Comments,
		media:          cfg.Media,
		clock:          clock,
		logger:         logger,
		interval:       interval,
		drainWorkers:   workers,
		prefetchImages: cfg.PrefetchImages,
		unmetered:      cfg.UnmeteredLink,
		mediaBudget:    cfg.MediaBudget,
		drainPhase:     PhaseIdle,
		populatePhases: map[store.EntityKind]Phase{
			store.KindKata:      PhaseIdle,
			store.KindOhyo:      PhaseIdle,
			store.KindForumPost: PhaseIdle,
		},
	}, nil
}

// SetNotifier installs the cache-change listener. Set once at wiring time,
// before Run.
func (o *Orchestrator) SetNotifier(notifier Notifier) {
	o.mu.Lock()
	o.notifier = notifier
	o.mu.Unlock()
}

// Status is the orchestrator state surfaced to the UI shell.
type Status struct {
	Online          bool                        `json:"online"`
	DrainPhase      Phase                       `json:"drain_phase"`
	PopulatePhases  map[store.EntityKind]Phase  `json:"populate_phases"`
	LastDrainAt     int64                       `json:"last_drain_s"`
	LastSynced      map[store.EntityKind]int64  `json:"last_synced_s"`
	CacheCompleted  bool                        `json:"comprehensive_cache_completed"`
	NeedsAttention  int                         `json:"needs_attention"`
}

// Status reports the current sync state.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	status := Status{
		DrainPhase:     o.drainPhase,
		PopulatePhases: make(map[store.EntityKind]Phase, len(o.populatePhases)),
		LastDrainAt:    o.lastDrainAt.Unix(),
	}
	for kind, phase := range o.populatePhases {
		status.PopulatePhases[kind] = phase
	}
	o.mu.Unlock()

	if o.lastDrainAtIsZero() {
		status.LastDrainAt = 0
	}
	status.Online = o.remote.Connected(ctx)
	status.CacheCompleted = o.store.GetBoolSetting(store.SettingComprehensiveCacheCompleted, false)
	status.LastSynced = map[store.EntityKind]int64{
		store.KindKata:      o.store.GetInt64Setting(store.LastSyncedKey(store.KindKata), 0),
		store.KindOhyo:      o.store.GetInt64Setting(store.LastSyncedKey(store.KindOhyo), 0),
		store.KindForumPost: o.store.GetInt64Setting(store.LastSyncedKey(store.KindForumPost), 0),
	}
	if session, ok := o.remote.CurrentSession(); ok {
		if frozen, err := o.queue.NeedsAttention(session.UserID); err == nil {
			status.NeedsAttention = len(frozen)
		}
	}
	return status
}

func (o *Orchestrator) lastDrainAtIsZero() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastDrainAt.IsZero()
}

// Run drives periodic drains and reacts to connectivity-regain events from
// the realtime feed until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) {
	var feedEvents <-chan remote.FeedEvent
	if o.feed != nil {
		stream, cancel := o.feed.Subscribe(ctx)
		defer cancel()
		feedEvents = stream
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-feedEvents:
			if !ok {
				feedEvents = nil
				continue
			}
			if event.Type == remote.FeedEventOnline {
				o.logger.Info("connectivity regained, draining queue")
				o.drainQuietly(ctx)
			}
		case <-ticker.C:
			o.drainQuietly(ctx)
		}
	}
}

func (o *Orchestrator) drainQuietly(ctx context.Context) {
	if err := o.Drain(ctx); err != nil &&
		!errors.Is(err, remote.ErrOffline) &&
		!errors.Is(err, remote.ErrNotSignedIn) {
		o.logger.Error("drain cycle failed", zap.Error(err))
	}
}

func (o *Orchestrator) notifyEntity(kind store.EntityKind, entityID string) {
	o.mu.Lock()
	notifier := o.notifier
	o.mu.Unlock()
	if notifier != nil {
		notifier.EntityUpdated(kind, entityID)
	}
}

func (o *Orchestrator) notifyComment(kind comments.CommentKind, commentID string) {
	o.mu.Lock()
	notifier := o.notifier
	o.mu.Unlock()
	if notifier != nil {
		notifier.CommentUpdated(kind, commentID)
	}
}

// ContentTable maps an entity kind to its remote content table.
func ContentTable(kind store.EntityKind) string {
	switch kind {
	case store.KindKata:
		return remote.TableKatas
	case store.KindOhyo:
		return remote.TableOhyos
	default:
		return remote.TableForumPosts
	}
}

// CommentTable maps a comment kind to its remote comment table.
func CommentTable(kind comments.CommentKind) string {
	switch kind {
	case comments.KindKataComment:
		return remote.TableKataComments
	case comments.KindOhyoComment:
		return remote.TableOhyoComments
	default:
		return remote.TableForumComments
	}
}

// EntityKindFor maps a comment kind back to the entity class it annotates.
func EntityKindFor(kind comments.CommentKind) store.EntityKind {
	switch kind {
	case comments.KindKataComment:
		return store.KindKata
	case comments.KindOhyoComment:
		return store.KindOhyo
	default:
		return store.KindForumPost
	}
}

// CommentKindFor maps an entity kind to the comment collection attached to it.
func CommentKindFor(kind store.EntityKind) comments.CommentKind {
	switch kind {
	case store.KindKata:
		return comments.KindKataComment
	case store.KindOhyo:
		return comments.KindOhyoComment
	default:
		return comments.KindForumComment
	}
}
