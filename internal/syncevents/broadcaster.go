// ABOUTME: In-memory fan-out of sync events to local subscribers
// ABOUTME: Subscribers filter by topic; slow subscribers drop events instead of blocking

package syncevents

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber struct {
	ch     chan Event
	topics map[string]bool // empty matches every topic
}

// Broadcaster provides in-memory pub/sub for sync events. It backs the
// status endpoint's event stream and in-process observers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // subID -> subscriber
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on the given topics, or on every topic when
// none are given. The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topics ...string) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:     make(chan Event, subscriberBufferSize),
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "topics", topics)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends e to every matching subscriber. It never blocks and never
// fails; events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if len(sub.topics) > 0 && !sub.topics[e.Topic] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"topic", e.Topic)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
