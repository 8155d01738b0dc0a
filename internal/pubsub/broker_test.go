package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan Event[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed early")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return Event[T]{}
	}
}

func TestBroker_FanOut(t *testing.T) {
	broker := NewBroker[int]()
	t.Cleanup(broker.Close)
	ctx := context.Background()

	a := broker.Subscribe(ctx)
	b := broker.Subscribe(ctx)
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(CreatedEvent, 42)

	for _, ch := range []<-chan Event[int]{a, b} {
		ev := recv(t, ch)
		assert.Equal(t, 42, ev.Payload)
		assert.Equal(t, CreatedEvent, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBroker_CancelledSubscriberDetaches(t *testing.T) {
	broker := NewBroker[string]()
	t.Cleanup(broker.Close)

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 0 },
		time.Second, 5*time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok, "cancelled subscription should close its channel")
}

func TestBroker_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	t.Cleanup(broker.Close)

	ch := broker.Subscribe(context.Background())

	broker.Publish(UpdatedEvent, 1)
	broker.Publish(UpdatedEvent, 2) // buffer full: dropped, must not block
	broker.Publish(UpdatedEvent, 3)

	assert.Equal(t, 1, recv(t, ch).Payload)
	select {
	case ev := <-ch:
		t.Fatalf("expected overflow to drop, received %v", ev.Payload)
	default:
	}
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[string]()
	ctx := context.Background()

	a := broker.Subscribe(ctx)
	b := broker.Subscribe(ctx)

	broker.Close()
	broker.Close() // idempotent

	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 0, broker.SubscriberCount())

	// Late subscribers get an already-closed channel, late publishes
	// are no-ops.
	_, ok := <-broker.Subscribe(ctx)
	assert.False(t, ok)
	broker.Publish(UpdatedEvent, "ignored")
}
