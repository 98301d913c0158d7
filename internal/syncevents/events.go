// ABOUTME: Sync lifecycle notifications: drain outcomes, connectivity changes, cache refreshes
// ABOUTME: Defines the Event envelope, topics and the Publisher interface

package syncevents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Topic constants. NATS subjects are the configured prefix plus the topic.
const (
	TopicDrainCompleted      = "drain.completed"
	TopicConnectivityChanged = "connectivity.changed"
	TopicCacheRefreshed      = "cache.refreshed"
	TopicCaptureEnqueued     = "capture.enqueued"
)

// Event is one notification.
type Event struct {
	ID       string         `json:"id"`
	Topic    string         `json:"topic"`
	At       time.Time      `json:"at"`
	GraphID  string         `json:"graph_id,omitempty"`
	BranchID string         `json:"branch_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(topic string, data map[string]any) Event {
	return Event{
		ID:    uuid.New().String(),
		Topic: topic,
		At:    time.Now().UTC(),
		Data:  data,
	}
}

// WithScope returns a copy of e tagged with a scope.
func (e Event) WithScope(graphID, branchID string) Event {
	e.GraphID = graphID
	e.BranchID = branchID
	return e
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes to every publisher, returning the joined errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards events.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }
