package unit

import (
	"time"
)

// Event is the contract every published event satisfies.
type Event interface {
	Type() string
	Domain() string
	Payload() any
	Timestamp() time.Time
	CorrelationID() string
}

// EventPublisher is the minimal publishing interface components depend on,
// so they never import the concrete bus.
type EventPublisher interface {
	Publish(event Event) error
}

// NoopEventPublisher discards every event. Useful for tests and for running
// the scheduler without a bus.
type NoopEventPublisher struct{}

// Publish implements EventPublisher but does nothing.
func (n *NoopEventPublisher) Publish(event Event) error { return nil }

var _ EventPublisher = (*NoopEventPublisher)(nil)
