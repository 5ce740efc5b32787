// Package observerbus implements the engine's synchronous, named-topic
// observer fan-out. Observers for "before-asset-updated" may veto
// default eviction by returning true; Fire returns the last non-nil
// return value it saw, in registration order, so a decision can ride on
// an event callback's return value.
package observerbus

import (
	"context"
	"sync"
)

// Observer handles a single topic notification and may optionally return a
// decision value (used by "before-asset-updated" to veto GC).
type Observer func(ctx context.Context, details any) any

// Bus is a synchronous, ordered multi-topic observer registry.
type Bus struct {
	mu        sync.Mutex
	observers []Observer
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Add registers an observer. Re-adding the same observer is a no-op.
func (b *Bus) Add(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.observers {
		if sameFunc(existing, o) {
			return
		}
	}
	b.observers = append(b.observers, o)
}

// Remove unregisters an observer. Removing an unregistered observer is a
// no-op (idempotent).
func (b *Bus) Remove(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.observers {
		if sameFunc(existing, o) {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return
		}
	}
}

// Fire invokes every registered observer in registration order and returns
// the last non-nil return value (used so a "before-asset-updated" observer
// may veto default eviction by returning true).
func (b *Bus) Fire(topic string, details any) any {
	return b.FireContext(context.Background(), topic, details)
}

// FireContext is Fire with an explicit context, passed through to each
// observer unmodified. It does not change fan-out semantics or
// cancellation behavior; observers still run synchronously to
// completion.
func (b *Bus) FireContext(ctx context.Context, topic string, details any) any {
	b.mu.Lock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	event := Event{Topic: topic, Details: details}
	var last any
	for _, o := range observers {
		if r := o(ctx, event); r != nil {
			last = r
		}
	}
	return last
}

// Event is the value delivered to observers; Details carries the
// topic-specific payload.
type Event struct {
	Topic   string
	Details any
}

// sameFunc compares two Observer values for identity. Go function values
// are not comparable with ==, so identity is the function's code pointer
// (see reflectSame). Closures created from the same function literal
// therefore count as the same observer, whatever they capture.
func sameFunc(a, b Observer) bool {
	return reflectSame(a, b)
}
