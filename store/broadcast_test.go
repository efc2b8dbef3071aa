package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := newBroadcaster("widgets", 4)
	s1 := b.subscribe()
	s2 := b.subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	bulk := ChangeEventBulk{Events: []*ChangeEvent{{DocumentID: "a", Operation: OpInsert}}}
	b.publish(bulk)

	select {
	case got := <-s1.Events():
		assert.Equal(t, bulk, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received bulk")
	}
	select {
	case got := <-s2.Events():
		assert.Equal(t, bulk, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received bulk")
	}
}

func TestBroadcasterSkipsEmptyBulk(t *testing.T) {
	b := newBroadcaster("widgets", 4)
	s := b.subscribe()
	defer s.Unsubscribe()

	b.publish(ChangeEventBulk{})

	select {
	case <-s.Events():
		t.Fatal("empty bulk must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsOnFullBuffer(t *testing.T) {
	b := newBroadcaster("widgets", 1)
	s := b.subscribe()
	defer s.Unsubscribe()

	bulk := ChangeEventBulk{Events: []*ChangeEvent{{DocumentID: "a", Operation: OpInsert}}}
	b.publish(bulk) // fills the buffer of size 1
	b.publish(bulk) // must be dropped, not block

	<-s.Events() // drain the one buffered bulk
	select {
	case <-s.Events():
		t.Fatal("second bulk should have been dropped, not delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := newBroadcaster("widgets", 4)
	s := b.subscribe()
	s.Unsubscribe()

	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestBroadcasterCloseAll(t *testing.T) {
	b := newBroadcaster("widgets", 4)
	s1 := b.subscribe()
	s2 := b.subscribe()
	b.closeAll()

	_, ok1 := <-s1.Events()
	_, ok2 := <-s2.Events()
	assert.False(t, ok1)
	assert.False(t, ok2)

	require.Len(t, b.subscribers, 0)
}
