package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamcory/agentsync/internal/pubsub"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := pubsub.NewBroker[string]()
	defer b.Shutdown()

	ctx := context.Background()
	a := b.Subscribe(ctx)
	c := b.Subscribe(ctx)

	b.Publish(pubsub.CreatedEvent, "hello")

	for _, ch := range []<-chan pubsub.Event[string]{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, pubsub.CreatedEvent, ev.Type)
			assert.Equal(t, "hello", ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSubscriberRemovedOnContextCancel(t *testing.T) {
	b := pubsub.NewBroker[int]()
	defer b.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	// The channel closes once the cancellation is observed.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := pubsub.NewBroker[int]()
	defer b.Shutdown()

	b.Subscribe(context.Background()) // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(pubsub.UpdatedEvent, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestShutdownClosesSubscribers(t *testing.T) {
	b := pubsub.NewBroker[int]()
	ch := b.Subscribe(context.Background())

	b.Shutdown()
	b.Shutdown() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Subscribing after shutdown yields a closed channel.
	late := b.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
}
