package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(Event{Kind: PositionAdded, Timestamp: time.Now()})

	select {
	case e := <-a:
		assert.Equal(t, PositionAdded, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}

	select {
	case e := <-c:
		assert.Equal(t, PositionAdded, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Kind: PositionExited})
	}

	// Buffer should be full but the publisher must not have blocked or
	// panicked; draining should yield exactly subscriberBuffer events.
	count := 0
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			count++
		default:
			require.Equal(t, subscriberBuffer, count)
			return
		}
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Close()

	_, ok := <-sub
	assert.False(t, ok)
}
