package events

import "sync"

// Topic identifies a class of state-change notifications.
type Topic string

const (
	// CartChanged fires after any local cart mutation (badge refresh).
	CartChanged Topic = "cart.changed"
	// AuthChanged fires on login, logout and credential clearing.
	AuthChanged Topic = "auth.changed"
)

// Event carries a topic and an optional payload.
type Event struct {
	Topic   Topic
	Payload interface{}
}

// Handler consumes published events. Handlers must not block.
type Handler func(Event)

// Bus is a typed in-process publish/subscribe hub replacing the ad-hoc
// custom browser events the storefront previously relied on.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Topic]map[int]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic]map[int]Handler)}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Publish delivers an event to every subscriber of its topic.
// Best-effort: a missing subscriber set is not an error.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, h := range handlers {
		h(evt)
	}
}
