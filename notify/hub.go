// Package notify fans conversion events out to the owner's live connections.
package notify

import (
	"context"
	"sync"

	"gifconv/models"

	"github.com/rs/zerolog"
)

const subscriberBuffer = 16

// Hub routes events to subscribers grouped by owner. A subscriber that does
// not keep up loses events instead of stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	groups map[string]map[uint64]chan models.Event
	nextID uint64
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[uint64]chan models.Event),
		logger: logger.With().Str("component", "notify_hub").Logger(),
	}
}

// Subscribe joins ownerID's group. The returned func leaves the group and
// closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(ownerID string) (<-chan models.Event, func()) {
	ch := make(chan models.Event, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	group, ok := h.groups[ownerID]
	if !ok {
		group = make(map[uint64]chan models.Event)
		h.groups[ownerID] = group
	}
	group[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if group, ok := h.groups[ownerID]; ok {
				delete(group, id)
				if len(group) == 0 {
					delete(h.groups, ownerID)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every connection of ev.OwnerID. It never blocks.
func (h *Hub) Publish(ctx context.Context, ev models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.groups[ev.OwnerID] {
		select {
		case ch <- ev:
		default:
			h.logger.Debug().
				Uint64("subscriber", id).
				Str("conversion_id", ev.ConversionID).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Connected returns the number of live connections for ownerID.
func (h *Hub) Connected(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[ownerID])
}
