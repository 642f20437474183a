package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-inbox/internal/domain"
)

// subscriberBufferSize bounds how far a client may fall behind before it
// starts missing events.
const subscriberBufferSize = 64

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broadcast: hub closed")

// Hub fans every event out to every subscriber. Each subscriber receives
// events in publish order; a subscriber whose buffer is full misses the
// event and is expected to resync from the conversation list.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan domain.Event
	closed      bool
	dropped     atomic.Uint64
	logger      *zap.Logger
}

// NewHub creates a hub. Pass nil logger for a no-op logger.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]chan domain.Event),
		logger:      logger.With(zap.String("component", "broadcast_hub")),
	}
}

// Subscribe registers a subscriber and returns its event channel and id. The
// subscription is removed when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) (<-chan domain.Event, string) {
	subID := uuid.NewString()
	ch := make(chan domain.Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.subscribers[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", zap.String("sub_id", subID))

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()
	return ch, subID
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(_ context.Context, e domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; they never block.
	for id, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Debug("dropped event for slow subscriber",
				zap.String("sub_id", id),
				zap.String("event", string(e.Type)),
			)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(ch)
	h.logger.Debug("subscriber removed", zap.String("sub_id", subID))
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many per-subscriber deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.logger.Debug("hub closed")
}
