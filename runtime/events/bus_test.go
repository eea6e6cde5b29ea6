package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBusPublishesToSpecificAndGlobalListeners(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	event := &Event{Type: EventTrackSubscribed, Data: TrackSubscribedData{Source: "camera"}}

	var mu sync.Mutex
	var received []EventType
	var wg sync.WaitGroup
	wg.Add(2)

	bus.Subscribe(EventTrackSubscribed, func(e *Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		wg.Done()
	})
	bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
		wg.Done()
	})

	if !bus.Publish(event) {
		t.Fatal("expected Publish to succeed on open bus")
	}
	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("timed out waiting for listeners")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(received))
	}
}

func TestEventBusRecoversFromPanic(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(EventErrorClassified, func(*Event) {
		panic("listener panic")
	})
	bus.Subscribe(EventErrorClassified, func(*Event) {
		wg.Done()
	})

	bus.Publish(&Event{Type: EventErrorClassified})
	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("listener after panic did not fire")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	unsub := bus.Subscribe(EventFrameProgress, func(*Event) {
		count.Add(1)
		wg.Done()
	})

	wg.Add(1)
	bus.Publish(&Event{Type: EventFrameProgress})
	if !waitForWG(&wg, 200*time.Millisecond) {
		t.Fatal("timed out waiting for first event")
	}

	unsub()

	var sentinel sync.WaitGroup
	sentinel.Add(1)
	bus.SubscribeAll(func(*Event) { sentinel.Done() })
	bus.Publish(&Event{Type: EventFrameProgress})
	if !waitForWG(&sentinel, 200*time.Millisecond) {
		t.Fatal("timed out waiting for sentinel")
	}

	if got := count.Load(); got != 1 {
		t.Fatalf("expected count still 1 after unsubscribe, got %d", got)
	}
}

func TestEventBusCloseDrainsAndRejects(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()

	var delivered atomic.Bool
	bus.Subscribe(EventSessionClosed, func(*Event) {
		time.Sleep(20 * time.Millisecond)
		delivered.Store(true)
	})

	bus.Publish(&Event{Type: EventSessionClosed})
	bus.Close()

	if !delivered.Load() {
		t.Fatal("Close returned before the in-flight delivery finished")
	}
	if bus.Publish(&Event{Type: EventSessionClosed}) {
		t.Fatal("expected Publish to return false after Close")
	}
	bus.Close() // idempotent
}

func TestEventBusClear(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	var count atomic.Int32
	bus.SubscribeAll(func(*Event) { count.Add(1) })
	bus.Clear()

	bus.Publish(&Event{Type: EventTurnComposed})
	bus.Close()
	if count.Load() != 0 {
		t.Fatalf("expected no deliveries after Clear, got %d", count.Load())
	}
}

func waitForWG(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
