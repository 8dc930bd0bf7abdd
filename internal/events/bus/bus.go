// Package bus provides the lifecycle event bus: the manager and pool publish
// session and job milestones that operators or sidecars can subscribe to.
// An in-memory bus is the default; NATS is used when configured.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Subjects published by the manager and pool. Subscribers may use NATS-style
// wildcards ("session.*", ">").
const (
	SubjectSessionSpawned  = "session.spawned"
	SubjectSessionShutdown = "session.shutdown"
	SubjectSessionEvicted  = "session.evicted"
	SubjectJobProxied      = "job.proxied"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
