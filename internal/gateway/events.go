package gateway

import (
	"sync"
	"sync/atomic"
)

// Handler receives auth events.
type Handler func(AuthEvent)

// Subscription identifies a registered handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler Handler
	active  atomic.Bool
}

// Emitter fans auth events out to subscribers in registration order. Each
// live subscriber sees every event exactly once; delivery is synchronous.
type Emitter struct {
	mu   sync.Mutex
	next Subscription
	subs []*subscriber
}

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers h and returns its token.
func (e *Emitter) Subscribe(h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	sub := &subscriber{id: e.next, handler: h}
	sub.active.Store(true)
	e.subs = append(e.subs, sub)
	return sub.id
}

// Unsubscribe removes the handler registered under id. It reports false when
// id was unknown or already removed.
func (e *Emitter) Unsubscribe(id Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub.id != id {
			continue
		}
		sub.active.Store(false)
		e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
		return true
	}
	return false
}

// Emit delivers evt to the subscribers registered when Emit was called.
// Handlers removed during delivery are skipped.
func (e *Emitter) Emit(evt AuthEvent) {
	e.mu.Lock()
	snapshot := make([]*subscriber, len(e.subs))
	copy(snapshot, e.subs)
	e.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		sub.handler(evt)
	}
}

// Len returns the number of live subscribers.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
