// Package presence fans pairing snapshots out to admin observers and,
// optionally, to other relay processes over Redis.
package presence

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

// Broadcaster keeps the newest snapshot and hands it to subscribers. Slow
// subscribers never block publishers: each subscription holds at most one
// pending snapshot and a newer one replaces it.
type Broadcaster struct {
	mu     sync.Mutex
	latest pairing.Snapshot
	have   bool
	subs   map[uint64]chan pairing.Snapshot
	nextID uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan pairing.Snapshot)}
}

// Publish implements pairing.PresencePublisher. Snapshots older than the one
// already held are discarded; an equal version is re-delivered so observers
// can request a refresh.
func (b *Broadcaster) Publish(snap pairing.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.have && snap.Version < b.latest.Version {
		return
	}
	b.latest = snap
	b.have = true
	for _, ch := range b.subs {
		offer(ch, snap)
	}
}

// Latest returns the newest snapshot seen, if any.
func (b *Broadcaster) Latest() (pairing.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.have
}

// Subscribe returns a channel of snapshots and a cancel func that closes it.
// The current snapshot, if any, is queued immediately.
func (b *Broadcaster) Subscribe() (<-chan pairing.Snapshot, func()) {
	ch := make(chan pairing.Snapshot, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.have {
		ch <- b.latest
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// offer replaces any pending snapshot in ch with snap. Callers hold b.mu, so
// they are the only sender.
func offer(ch chan pairing.Snapshot, snap pairing.Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
