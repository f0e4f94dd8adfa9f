package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
)

// Handler receives one emission
type Handler func(Event)

// Emitter is the publishing side of the bus
type Emitter interface {
	Emit(event Event)
}

type subscription struct {
	id      uint64
	name    EventName
	handler Handler
	active  atomic.Bool
}

// Bus is an in-process publish/subscribe registry. Delivery is synchronous
// and follows registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventName][]*subscription
	nextID uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[EventName][]*subscription),
	}
}

// On registers handler for every emission of name until the returned
// function is called. Calling the unsubscribe function more than once is a no-op.
func (b *Bus) On(name EventName, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, name: name, handler: handler}
	sub.active.Store(true)
	b.subs[name] = append(b.subs[name], sub)

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	// Mark first so an in-flight dispatch skips it
	if !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			// Copy so snapshots held by running dispatches stay intact
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, sub.name)
			} else {
				b.subs[sub.name] = next
			}
			return
		}
	}
}

// Emit delivers event to every current subscriber of its name before returning.
// A panicking handler is logged and skipped; later handlers still run.
func (b *Bus) Emit(event Event) {
	if event == nil {
		return
	}
	name := event.Name()

	b.mu.RLock()
	snapshot := b.subs[name]
	b.mu.RUnlock()

	metrics.EventsEmittedTotal.WithLabelValues(string(name)).Inc()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanicsTotal.WithLabelValues(string(sub.name)).Inc()
			logger := log.WithComponent("events")
			logger.Error().
				Str("event", string(sub.name)).
				Uint64("subscription", sub.id).
				Str("panic", fmt.Sprint(r)).
				Msg("Event handler panicked, continuing delivery")
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of active subscriptions for name
func (b *Bus) SubscriberCount(name EventName) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Subscribe registers a handler typed to one event variant
func Subscribe[E Event](b *Bus, fn func(E)) (unsubscribe func()) {
	var zero E
	return b.On(zero.Name(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// OnInspectionStatus delivers status changes of a single inspection only
func OnInspectionStatus(b *Bus, inspectionID string, fn func(InspectionStatusChanged)) (unsubscribe func()) {
	return Subscribe(b, func(e InspectionStatusChanged) {
		if e.InspectionID == inspectionID {
			fn(e)
		}
	})
}

// Discard is an Emitter that drops everything
type Discard struct{}

func (Discard) Emit(Event) {}
