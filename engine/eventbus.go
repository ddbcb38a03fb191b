package engine

import (
	"sync"
	"time"

	"tagflow/logging"
)

// SubscriberID identifies a subscription on the EventBus.
type SubscriberID uint64

type subscriber struct {
	id    SubscriberID
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

// EventBus delivers engine events synchronously to subscribers, in
// subscription order. A panicking subscriber does not affect the others.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID SubscriberID
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every event.
func (b *EventBus) Subscribe(fn func(Event)) SubscriberID {
	return b.add(fn, nil)
}

// SubscribeTypes registers fn for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.add(fn, filter)
}

func (b *EventBus) add(fn func(Event), types map[EventType]bool) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, fn: fn, types: types})
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps the event and delivers it on the caller's goroutine.
func (b *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[ev.Type] {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s, ev)
	}
}

func deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.DebugLog("engine", "event subscriber %d panicked on %s: %v", s.id, ev.Type, r)
		}
	}()
	s.fn(ev)
}
