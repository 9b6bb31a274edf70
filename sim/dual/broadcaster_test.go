package dual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickSnapshot(tick int64) ComparisonSnapshot {
	return ComparisonSnapshot{Tick: tick, SimTime: float64(tick)}
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	feedA, cancelA := b.Subscribe()
	defer cancelA()
	feedB, cancelB := b.Subscribe()
	defer cancelB()

	b.Publish(tickSnapshot(1))

	assert.Equal(t, int64(1), (<-feedA).Tick)
	assert.Equal(t, int64(1), (<-feedB).Tick)
}

func TestBroadcaster_StalledSubscriberIsDropped(t *testing.T) {
	b := NewBroadcaster()
	feed, cancel := b.Subscribe()
	defer cancel()

	// Never drained: fill the buffer, then publish once more. The stalled
	// subscriber is removed instead of blocking the publisher.
	for tick := int64(1); tick <= defaultSubscriberBuffer+1; tick++ {
		b.Publish(tickSnapshot(tick))
	}
	require.Equal(t, 0, b.SubscriberCount())

	// The buffered prefix is still delivered, then the feed closes.
	for tick := int64(1); tick <= defaultSubscriberBuffer; tick++ {
		require.Equal(t, tick, (<-feed).Tick)
	}
	_, open := <-feed
	assert.False(t, open, "dropped feed must be closed")
}

func TestBroadcaster_CancelRemovesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	_, cancelA := b.Subscribe()
	_, cancelB := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	cancelA()
	assert.Equal(t, 1, b.SubscriberCount())

	// Cancel twice is harmless.
	cancelA()
	assert.Equal(t, 1, b.SubscriberCount())

	cancelB()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_PublishWithNoSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(tickSnapshot(1)) // must not panic or block
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_CancelClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	feed, cancel := b.Subscribe()

	cancel()

	_, open := <-feed
	assert.False(t, open, "cancelled feed must be closed")
}
