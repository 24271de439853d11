package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(Event{Kind: KindOnDemand, Path: "/tmp/x.jpg"})

	ea := <-a
	eb := <-b
	assert.Equal(t, "/tmp/x.jpg", ea.Path)
	assert.Equal(t, KindOnDemand, eb.Kind)
	assert.False(t, ea.At.IsZero())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()

	for i := 0; i < 100; i++ {
		h.Publish(Event{Kind: KindContinuous})
	}
	assert.Len(t, ch, cap(ch))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	h.Unsubscribe(ch)

	_, ok := <-ch
	require.False(t, ok)
	assert.Zero(t, h.Subscribers())

	h.Publish(Event{Kind: KindState})

	var nilHub *Hub
	nilHub.Publish(Event{})
}
