package interactions

import (
	"context"
	"sync"

	"github.com/tatamilabs/dojosync/internal/store"
)

const hubSubscriberBuffer = 16

// StateHub fans interaction-state updates out to UI subscribers. One
// subscription covers one (kind, entity) pair; slow subscribers drop updates
// rather than blocking the publisher.
type StateHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan InteractionState
	nextID      int64
}

// NewStateHub constructs an empty hub.
func NewStateHub() *StateHub {
	return &StateHub{
		subscribers: make(map[string]map[int64]chan InteractionState),
	}
}

func stateKey(kind store.EntityKind, entityID string) string {
	return kind.String() + "/" + entityID
}

// Subscribe registers a listener for one entity's interaction state. The
// returned cancel func releases the subscription; ctx ending releases it too.
func (h *StateHub) Subscribe(ctx context.Context, kind store.EntityKind, entityID string) (<-chan InteractionState, func()) {
	key := stateKey(kind, entityID)
	stream := make(chan InteractionState, hubSubscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]chan InteractionState)
	}
	h.subscribers[key][id] = stream
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if streams := h.subscribers[key]; streams != nil {
			delete(streams, id)
			if len(streams) == 0 {
				delete(h.subscribers, key)
			}
		}
		h.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// Publish delivers a state update to every subscriber of its entity.
func (h *StateHub) Publish(state InteractionState) {
	key := stateKey(state.Kind, state.EntityID)
	h.mu.RLock()
	streams := make([]chan InteractionState, 0, len(h.subscribers[key]))
	for _, stream := range h.subscribers[key] {
		streams = append(streams, stream)
	}
	h.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- state:
		default:
		}
	}
}
