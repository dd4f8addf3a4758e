package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jguan/gpusched/pkg/unit"
	"github.com/jguan/gpusched/pkg/unit/sched"
)

// stubEvent lets tests publish under domains the scheduler never uses.
type stubEvent struct {
	typ    string
	domain string
}

func (e stubEvent) Type() string          { return e.typ }
func (e stubEvent) Domain() string        { return e.domain }
func (e stubEvent) Payload() any          { return nil }
func (e stubEvent) Timestamp() time.Time  { return time.Time{} }
func (e stubEvent) CorrelationID() string { return "" }

// waitForCount polls until the counter reaches want or the deadline passes.
// Dispatch is asynchronous; fixed sleeps would make these tests flaky.
func waitForCount(t *testing.T, counter *int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(counter) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt64(counter); got != want {
		t.Fatalf("delivered = %d, want %d", got, want)
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	var mu sync.Mutex
	var got []unit.Event
	_, err := bus.Subscribe(func(ev unit.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		atomic.AddInt64(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(sched.NewWarmedEvent("llama-7b", 14.5, 3.2)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForCount(t, &count, 1)

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type() != sched.EventTypeWarmed {
		t.Errorf("type = %s, want %s", got[0].Type(), sched.EventTypeWarmed)
	}
	if got[0].Domain() != "sched" {
		t.Errorf("domain = %s, want sched", got[0].Domain())
	}
}

func TestEveryMatchingSubscriberReceives(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	for i := 0; i < 5; i++ {
		if _, err := bus.Subscribe(func(unit.Event) error {
			atomic.AddInt64(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := bus.Publish(sched.NewEvictedEvent("llama-7b", 14.5)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForCount(t, &count, 5)
}

func TestFilterByType(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	_, err := bus.Subscribe(func(unit.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, FilterByType(sched.EventTypeEvicted))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(sched.NewWarmedEvent("a", 10, 1))
	bus.Publish(sched.NewEvictedEvent("a", 10))
	bus.Publish(sched.NewAdmissionRefusedEvent("b", "over budget"))
	bus.Publish(sched.NewEvictedEvent("b", 12))

	waitForCount(t, &count, 2)
}

func TestFilterByDomain(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	_, err := bus.Subscribe(func(unit.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, FilterByDomain("sched"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(sched.NewWarmedEvent("a", 10, 1))
	bus.Publish(stubEvent{typ: "cost.snapshot", domain: "cost"})
	bus.Publish(sched.NewDeregisteredEvent("a"))

	waitForCount(t, &count, 2)
}

func TestAllFiltersMustMatch(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	_, err := bus.Subscribe(func(unit.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}, FilterByDomain("sched"), FilterByType(sched.EventTypeWarmed))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(sched.NewWarmedEvent("a", 10, 1))
	bus.Publish(sched.NewEvictedEvent("a", 10))
	bus.Publish(stubEvent{typ: sched.EventTypeWarmed, domain: "cost"})

	waitForCount(t, &count, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	id, err := bus.Subscribe(func(unit.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	bus.Publish(sched.NewWarmedEvent("a", 10, 1))
	waitForCount(t, &count, 1)

	if err := bus.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	bus.Publish(sched.NewWarmedEvent("a", 10, 1))
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&count); got != 1 {
		t.Errorf("delivered after unsubscribe = %d, want 1", got)
	}

	if err := bus.Unsubscribe("no-such-id"); err == nil {
		t.Error("expected error for unknown subscription")
	}
}

func TestPublishValidation(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	if err := bus.Publish(nil); err == nil {
		t.Error("expected error for nil event")
	}
	if _, err := bus.Subscribe(nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	bus := NewInMemoryEventBus()

	var count int64
	if _, err := bus.Subscribe(func(unit.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := bus.Publish(sched.NewWarmedEvent("a", 10, 1)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close waits for the dispatcher, so everything queued before it was
	// delivered.
	if got := atomic.LoadInt64(&count); got != 10 {
		t.Errorf("delivered = %d, want 10", got)
	}

	if err := bus.Publish(sched.NewWarmedEvent("a", 10, 1)); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := bus.Subscribe(func(unit.Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	var count int64
	if _, err := bus.Subscribe(func(unit.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := bus.Publish(sched.NewWarmedEvent("a", 10, 1)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitForCount(t, &count, 400)
}
