package remote

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed event types delivered to subscribers.
const (
	FeedEventOnline    = "online"
	FeedEventOffline   = "offline"
	FeedEventRowChange = "row_change"
)

const (
	heartbeatInterval    = 25 * time.Second
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 2 * time.Minute
	feedSubscriberBuffer = 16
)

// FeedEvent is a connectivity transition or a row-change hint from the
// hosted service's realtime channel.
type FeedEvent struct {
	Type     string
	Table    string
	EntityID string
	At       time.Time
}

type feedEnvelope struct {
	Type     string `json:"type"`
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
}

// FeedConfig describes the realtime endpoint.
type FeedConfig struct {
	URL    string
	APIKey string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Feed maintains a websocket subscription to the hosted service's change
// channel and fans events out to subscribers. Connectivity transitions double
// as the orchestrator's sync-on-regain trigger.
type Feed struct {
	url    string
	apiKey string
	clock  func() time.Time
	logger *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers map[int64]chan FeedEvent
	nextID      int64
}

// NewFeed constructs the realtime feed client.
func NewFeed(cfg FeedConfig) *Feed {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		url:         strings.TrimSpace(cfg.URL),
		apiKey:      cfg.APIKey,
		clock:       clock,
		logger:      logger,
		subscribers: make(map[int64]chan FeedEvent),
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; it is also released when ctx ends.
func (f *Feed) Subscribe(ctx context.Context) (<-chan FeedEvent, func()) {
	stream := make(chan FeedEvent, feedSubscriberBuffer)

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subscribers[id] = stream
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// Online reports the last observed connectivity state of the feed.
func (f *Feed) Online() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.online
}

// Run dials the realtime channel and keeps it alive with heartbeats,
// reconnecting with jittered exponential backoff until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	if f.url == "" {
		f.logger.Info("realtime feed disabled, no endpoint configured")
		return
	}

	// attempt counts failures since the last successful dial.
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if f.Online() {
			attempt = 0
		}
		f.setOnline(false)
		attempt++
		delay := reconnectDelay(attempt)
		f.logger.Warn("realtime feed disconnected, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialURL := f.url
	if f.apiKey != "" {
		separator := "?"
		if strings.Contains(dialURL, "?") {
			separator = "&"
		}
		dialURL += separator + "apikey=" + f.apiKey
	}

	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.setOnline(true)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go f.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		var envelope feedEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			f.logger.Debug("realtime feed message ignored", zap.Error(err))
			continue
		}
		if envelope.Type != FeedEventRowChange {
			continue
		}
		f.publish(FeedEvent{
			Type:     FeedEventRowChange,
			Table:    envelope.Table,
			EntityID: envelope.RecordID,
			At:       f.clock().UTC(),
		})
	}
}

func (f *Feed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatInterval/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (f *Feed) setOnline(online bool) {
	f.mu.Lock()
	changed := f.online != online
	f.online = online
	f.mu.Unlock()
	if !changed {
		return
	}
	eventType := FeedEventOffline
	if online {
		eventType = FeedEventOnline
	}
	f.publish(FeedEvent{Type: eventType, At: f.clock().UTC()})
}

func (f *Feed) publish(event FeedEvent) {
	f.mu.RLock()
	streams := make([]chan FeedEvent, 0, len(f.subscribers))
	for _, stream := range f.subscribers {
		streams = append(streams, stream)
	}
	f.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

func reconnectDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay
	for i := 1; i < attempt && delay < reconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
