// Package events dispatches metering domain events to in-process subscribers.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every domain event.
type Event interface {
	// EventID returns the unique identifier for this event instance.
	EventID() uuid.UUID

	// EventType returns the type name of the event (e.g., "TaskCharged").
	EventType() string

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the identifier of the record that produced the event.
	AggregateID() string
}

// BaseEvent carries the fields shared by all events. Embed it in domain events.
type BaseEvent struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Aggregate string    `json:"aggregate_id"`
}

// EventID returns the unique identifier for this event instance.
func (e BaseEvent) EventID() uuid.UUID {
	return e.ID
}

// EventType returns the type name of the event.
func (e BaseEvent) EventType() string {
	return e.Type
}

// OccurredAt returns when the event occurred.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID returns the identifier of the record that produced the event.
func (e BaseEvent) AggregateID() string {
	return e.Aggregate
}

// NewBaseEvent creates a BaseEvent stamped at occurredAt.
func NewBaseEvent(eventType, aggregateID string, occurredAt time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: occurredAt,
		Aggregate: aggregateID,
	}
}
