// ABOUTME: In-memory fan-out event broadcaster for cross-client awareness
// ABOUTME: Publishes conversation events to all subscribers of a conversation id

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// A subscriber that falls this far behind is dropped; the store is
	// the source of truth and the client can re-fetch via Read.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for conversation events.
// Subscribers register for a conversation id and receive events as they
// are committed. Delivery is best-effort: there is no retained queue
// beyond the per-subscriber buffer.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The channel is closed if the subscriber overflows its
// buffer or the subscription is removed. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given conversation.
// A subscriber whose buffer is full is unsubscribed and its channel
// closed: the receiving connection treats the close as a drop signal.
// Events for one conversation reach each surviving subscriber in the
// order Publish was called.
func (b *Broadcaster) Publish(conversationID string, event *Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Sends are non-blocking, so they stay under the read lock. That
	// keeps Unsubscribe (write lock) from closing a channel mid-send.
	var overflowed []string
	for id, ch := range subs {
		select {
		case ch <- event:
			// Sent
		default:
			overflowed = append(overflowed, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		b.logger.Warn("dropping slow subscriber",
			"conversation_id", conversationID,
			"sub_id", id)
		b.Unsubscribe(conversationID, id)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
