// Package eventbus implements a synchronous, in-process, typed publish
// subscribe bus. Handlers run on the publisher's goroutine in registration
// order; a panic from one handler is recovered and logged and does not
// prevent later handlers from running.
package eventbus

import (
	"log/slog"
	"reflect"
	"sync"
)

// SubscriptionID is an opaque handle returned by Subscribe and consumed by
// Unsubscribe. Go funcs are not comparable, so unlike the reference
// implementation's unsubscribe(type, fn), callers must keep the handle
// returned at subscription time.
type SubscriptionID uint64

type subscription struct {
	id SubscriptionID
	fn func(event any)
}

// Bus is a synchronous typed event bus keyed by the concrete Go type of the
// published event.
type Bus struct {
	mu        sync.Mutex
	subs      map[reflect.Type][]subscription
	nextID    SubscriptionID
	log       *slog.Logger
	shutdown  bool
}

// New creates a Bus. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[reflect.Type][]subscription), log: log}
}

// Subscribe registers fn to be invoked, in order, whenever an event whose
// concrete type is T is published. It returns a token for Unsubscribe.
func Subscribe[T any](b *Bus, fn func(event T)) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.subs[t] = append(b.subs[t], subscription{
		id: id,
		fn: func(event any) { fn(event.(T)) },
	})
	return id
}

// Unsubscribe removes the subscription registered under id. It
// is a no-op if id is unknown (already unsubscribed, or never valid).
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches event to every subscriber registered for its concrete
// type, in registration order, on the calling goroutine. A handler that
// panics is recovered and logged; remaining handlers still run.
func (b *Bus) Publish(event any) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	t := reflect.TypeOf(event)
	subs := append([]subscription(nil), b.subs[t]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s, event, t)
	}
}

func (b *Bus) invoke(s subscription, event any, t reflect.Type) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event_type", t, "subscription_id", s.id, "panic", r)
		}
	}()
	s.fn(event)
}

// ClearSubscribers removes every subscription for t, or every subscription
// on the bus if t is nil.
func (b *Bus) ClearSubscribers(t reflect.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == nil {
		b.subs = make(map[reflect.Type][]subscription)
		return
	}
	delete(b.subs, t)
}

// SubscriberCount returns the number of handlers currently registered for t.
func (b *Bus) SubscriberCount(t reflect.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}

// TypeOf returns the reflect.Type key eventbus uses for T, for callers of
// ClearSubscribers/SubscriberCount that don't already have one handy.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Shutdown marks the bus closed; subsequent Publish calls are no-ops. It
// does not clear existing subscriptions, so SubscriberCount remains
// inspectable for diagnostics after shutdown.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
}
