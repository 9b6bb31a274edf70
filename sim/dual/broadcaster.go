// Single-writer, multiple-reader fan-out of comparison snapshots. The tick
// loop publishes; subscribers come and go from arbitrarily many client
// connections. A subscriber that cannot keep up is dropped, never waited on.

package dual

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// defaultSubscriberBuffer is how many undelivered snapshots a subscriber may
// lag behind before being dropped.
const defaultSubscriberBuffer = 16

// Broadcaster fans out ComparisonSnapshots to subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int64]chan ComparisonSnapshot
	nextID int64
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int64]chan ComparisonSnapshot)}
}

// Subscribe registers a new subscriber and returns its feed channel plus a
// cancel function. Cancel is idempotent and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan ComparisonSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ComparisonSnapshot, defaultSubscriberBuffer)
	b.subs[id] = ch
	logrus.Debugf("Feed subscriber %d connected (total %d)", id, len(b.subs))

	cancel := func() { b.drop(id) }
	return ch, cancel
}

// Publish delivers a snapshot to every current subscriber. Delivery is
// non-blocking: a subscriber with a full buffer is dropped so a stalled
// reader can never stall the tick loop.
func (b *Broadcaster) Publish(snap ComparisonSnapshot) {
	b.mu.Lock()
	var stalled []int64
	for id, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			stalled = append(stalled, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stalled {
		logrus.Warnf("Feed subscriber %d stalled, dropping", id)
		b.drop(id)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) drop(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}
