package core

import (
	"sync"
	"time"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventStateChanged EventType = iota
	EventHandshakeStale
	EventConfigReloaded
	EventKeyRegenerated
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// StatePayload is the payload for EventStateChanged.
type StatePayload struct {
	Profile  string
	OldState TunnelState
	NewState TunnelState
	Err      error // set when NewState is StateError
}

// HandshakePayload is the payload for EventHandshakeStale.
type HandshakePayload struct {
	Interface     string
	LastHandshake time.Time // zero if no handshake ever completed
	Age           time.Duration
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   uint64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a handler for a given event type and returns a
// function that removes it again.
func (eb *EventBus) Subscribe(t EventType, h Handler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[t] = append(eb.handlers[t], subscription{id: id, h: h})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		subs := eb.handlers[t]
		for i, s := range subs {
			if s.id == id {
				eb.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (eb *EventBus) snapshot(t EventType) []subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[t]
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	for _, s := range eb.snapshot(e.Type) {
		s.h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	for _, s := range eb.snapshot(e.Type) {
		go s.h(e)
	}
}
