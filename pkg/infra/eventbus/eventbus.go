// Package eventbus delivers scheduler lifecycle events to in-process
// subscribers. Publish enqueues and returns; a single dispatcher goroutine
// fans events out to matching subscribers in publication order.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jguan/gpusched/pkg/unit"
)

// SubscriptionID identifies one subscriber for Unsubscribe.
type SubscriptionID string

// Handler consumes one event. A returned error is dropped; subscribers that
// care about delivery failures handle them internally.
type Handler func(event unit.Event) error

// Filter reports whether a subscriber wants the event. A subscription with
// several filters receives only events matching all of them.
type Filter func(event unit.Event) bool

// InMemoryEventBus is the process-local bus the orchestrator publishes to.
// It implements unit.EventPublisher.
type InMemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscription
	closed bool

	queue chan unit.Event
	quit  chan struct{}
	done  chan struct{}
}

type subscription struct {
	handler Handler
	filters []Filter
}

var _ unit.EventPublisher = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a bus and starts its dispatcher.
func NewInMemoryEventBus() *InMemoryEventBus {
	b := &InMemoryEventBus{
		subs:  make(map[SubscriptionID]*subscription),
		queue: make(chan unit.Event, 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues the event for asynchronous delivery.
func (b *InMemoryEventBus) Publish(event unit.Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("eventbus: closed")
	}

	select {
	case b.queue <- event:
		return nil
	case <-b.quit:
		return fmt.Errorf("eventbus: closed")
	}
}

// Subscribe registers a handler for events matching all given filters. No
// filters means every event.
func (b *InMemoryEventBus) Subscribe(handler Handler, filters ...Filter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("eventbus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("eventbus: closed")
	}

	id := SubscriptionID(uuid.NewString())
	b.subs[id] = &subscription{handler: handler, filters: filters}
	return id, nil
}

// Unsubscribe removes a subscription.
func (b *InMemoryEventBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("eventbus: subscription %s not found", id)
	}
	delete(b.subs, id)
	return nil
}

// Close stops the dispatcher after draining queued events. Idempotent.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.quit)
	<-b.done

	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
	return nil
}

func (b *InMemoryEventBus) dispatch() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.quit:
			// Drain what made it into the queue before shutdown.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *InMemoryEventBus) deliver(ev unit.Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(ev) {
			_ = s.handler(ev)
		}
	}
}

func (s *subscription) wants(ev unit.Event) bool {
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// FilterByType matches events of exactly the given type.
func FilterByType(eventType string) Filter {
	return func(event unit.Event) bool {
		return event.Type() == eventType
	}
}

// FilterByDomain matches events published under the given domain.
func FilterByDomain(domain string) Filter {
	return func(event unit.Event) bool {
		return event.Domain() == domain
	}
}
