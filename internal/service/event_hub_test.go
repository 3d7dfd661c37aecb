package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_DeliversToSessionSubscribers(t *testing.T) {
	hub := NewEventHub(4, newTestLogger())
	rec := testEventRecord(t)

	events, cancel := hub.Subscribe(rec.SessionID)
	defer cancel()
	other, cancelOther := hub.Subscribe("another-session")
	defer cancelOther()

	require.NoError(t, hub.Publish(context.Background(), rec))

	got := <-events
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Type, got.Type)
	assert.Empty(t, other)
}

func TestEventHub_DropsWhenSubscriberLags(t *testing.T) {
	hub := NewEventHub(1, newTestLogger())
	rec := testEventRecord(t)

	events, cancel := hub.Subscribe(rec.SessionID)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), rec))
	require.NoError(t, hub.Publish(context.Background(), rec))
	assert.Len(t, events, 1)
}

func TestEventHub_CancelClosesAndUnsubscribes(t *testing.T) {
	hub := NewEventHub(0, newTestLogger())
	rec := testEventRecord(t)

	events, cancel := hub.Subscribe(rec.SessionID)
	assert.Equal(t, 1, hub.Subscribers(rec.SessionID))

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers(rec.SessionID))
	_, open := <-events
	assert.False(t, open)

	// Publishing with no subscribers is a no-op.
	assert.NoError(t, hub.Publish(context.Background(), rec))
	assert.Equal(t, "live", hub.Name())
}

func TestEventHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewEventHub(1, newTestLogger())

	first, cancelFirst := hub.Subscribe("a")
	second, cancelSecond := hub.Subscribe("b")
	hub.Close()

	_, open := <-first
	assert.False(t, open)
	_, open = <-second
	assert.False(t, open)

	// Cancelling after Close must not close twice.
	cancelFirst()
	cancelSecond()
	assert.Equal(t, 0, hub.Subscribers("a"))
}
