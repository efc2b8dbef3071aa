package store

import (
	"sync"

	"github.com/google/uuid"

	"mangolite/core"
)

// ChangeEventBulk is what the change stream (§4.10, §6) delivers to each
// subscriber: every successful event from one BulkWrite call, the caller's
// write context tag, and the checkpoint a consumer should persist to
// resume after it.
type ChangeEventBulk struct {
	Context    string
	Events     []*ChangeEvent
	Checkpoint *Checkpoint
}

// Subscription is a live handle on the change stream returned by
// Instance.ChangeStream. Events arrives the bulk at a time, in submission
// order; Unsubscribe stops delivery and releases the subscriber's channel.
type Subscription struct {
	id     string
	events chan ChangeEventBulk
	b      *broadcaster
}

// ID is the subscription's unique handle, usable by callers that track
// their subscriptions externally.
func (s *Subscription) ID() string { return s.id }

// Events returns the channel new change bulks arrive on. It is closed when
// Unsubscribe is called or the owning instance is closed.
func (s *Subscription) Events() <-chan ChangeEventBulk { return s.events }

// Unsubscribe stops delivery to this subscription and closes its channel.
func (s *Subscription) Unsubscribe() { s.b.remove(s.id) }

// broadcaster fans one instance's change bulks out to N subscribers,
// mirroring the teacher's Subscriber/broadcastEvent/removeSubscriber
// pattern (_examples/homveloper-boss-raid-game's nodestorage/v2 storage
// implementation): each subscriber gets its own buffered channel, sends are
// non-blocking, and a subscriber too slow to keep up has bulks dropped
// rather than stalling every other subscriber or the writer.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan ChangeEventBulk
	bufferSize  int
	collection  string
}

func newBroadcaster(collection string, bufferSize int) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan ChangeEventBulk),
		bufferSize:  bufferSize,
		collection:  collection,
	}
}

func (b *broadcaster) subscribe() *Subscription {
	ch := make(chan ChangeEventBulk, b.bufferSize)
	id := uuid.NewString()

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return &Subscription{id: id, events: ch, b: b}
}

func (b *broadcaster) remove(id string) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// publish delivers bulk to every current subscriber without blocking. A
// subscriber whose buffer is full has this bulk dropped with a warning
// rather than backpressuring the write path.
func (b *broadcaster) publish(bulk ChangeEventBulk) {
	if len(bulk.Events) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- bulk:
		default:
			core.Warn("change stream subscriber buffer full, dropping event bulk",
				core.Collection(b.collection), core.Subscriber(id))
		}
	}
}

// closeAll tears down every live subscription, used by Instance.Close and
// Instance.Remove.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]chan ChangeEventBulk)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
