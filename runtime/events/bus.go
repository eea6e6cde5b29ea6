// Package events provides a lightweight pub/sub event bus for agent session observability.
package events

import "sync"

// Listener is a function that handles events.
type Listener func(*Event)

type registration struct {
	id       uint64
	listener Listener
}

// EventBus manages event distribution to listeners.
// Delivery is asynchronous; Close waits for in-flight deliveries.
type EventBus struct {
	mu              sync.RWMutex
	nextID          uint64
	listeners       map[EventType][]registration
	globalListeners []registration
	closed          bool
	inflight        sync.WaitGroup
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		listeners: make(map[EventType][]registration),
	}
}

// Subscribe registers a listener for a specific event type and returns a
// function that removes it.
func (eb *EventBus) Subscribe(eventType EventType, listener Listener) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.listeners[eventType] = append(eb.listeners[eventType], registration{id: id, listener: listener})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.listeners[eventType] = without(eb.listeners[eventType], id)
	}
}

// SubscribeAll registers a listener for all event types and returns a
// function that removes it.
func (eb *EventBus) SubscribeAll(listener Listener) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.globalListeners = append(eb.globalListeners, registration{id: id, listener: listener})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.globalListeners = without(eb.globalListeners, id)
	}
}

// Publish sends an event to all registered listeners asynchronously.
// It returns false if the bus is closed.
func (eb *EventBus) Publish(event *Event) bool {
	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		return false
	}
	targets := make([]Listener, 0, len(eb.listeners[event.Type])+len(eb.globalListeners))
	for _, r := range eb.listeners[event.Type] {
		targets = append(targets, r.listener)
	}
	for _, r := range eb.globalListeners {
		targets = append(targets, r.listener)
	}
	eb.inflight.Add(1)
	eb.mu.RUnlock()

	go func() {
		defer eb.inflight.Done()
		for _, listener := range targets {
			safeInvoke(listener, event)
		}
	}()
	return true
}

// Close stops accepting events and waits for pending deliveries. Safe to call twice.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	eb.closed = true
	eb.mu.Unlock()
	eb.inflight.Wait()
}

// Clear removes all listeners (primarily for tests).
func (eb *EventBus) Clear() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.listeners = make(map[EventType][]registration)
	eb.globalListeners = nil
}

func without(regs []registration, id uint64) []registration {
	out := make([]registration, 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

func safeInvoke(listener Listener, event *Event) {
	defer func() { _ = recover() }()
	listener(event)
}
