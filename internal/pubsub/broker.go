// Package pubsub provides a small generic broker used by the entity stores to
// notify subscribers (the turn projection consumer, tests) of mutations.
package pubsub

import (
	"context"
	"sync"
)

// EventType describes the kind of store mutation an event carries.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event pairs a mutation kind with its payload.
type Event[T any] struct {
	Type    EventType
	Payload T
}

// Subscriber is the read side of a broker, embedded by store interfaces.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

const bufferSize = 64

// Broker fans out events to subscribers. Publishing never blocks: a
// subscriber that falls behind its channel buffer misses events, which is
// acceptable because consumers recompute projections from store state rather
// than folding over the event log.
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[chan Event[T]]struct{}
	done chan struct{}
}

// NewBroker creates a broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs: make(map[chan Event[T]]struct{}),
		done: make(chan struct{}),
	}
}

// Shutdown closes all subscriber channels. Further publishes are dropped.
func (b *Broker[T]) Shutdown() {
	select {
	case <-b.done: // already closed
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// Subscribe registers a subscriber that is removed when ctx is done.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers an event to every subscriber that has buffer room.
func (b *Broker[T]) Publish(t EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{Type: t, Payload: payload}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Subscriber is full; it will resync from store state.
		}
	}
}
