package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventNodeRunning, NodeID: 3})

	select {
	case ev := <-sub:
		assert.Equal(t, EventNodeRunning, ev.Type)
		assert.Equal(t, 3, ev.NodeID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestBrokerSkipsFullSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	// Flood well past the subscriber buffer; the broker must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventJobSubmitted, NodeID: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broker blocked on a slow subscriber")
	}

	// The subscriber still sees the earliest events.
	require.NotEmpty(t, sub)
	ev := <-sub
	assert.Equal(t, EventJobSubmitted, ev.Type)
}
