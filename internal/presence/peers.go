package presence

import (
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

const peerMailbox = 16

// PeerSnapshot is presence reported by another relay process.
type PeerSnapshot struct {
	Origin   string           `json:"origin"`
	Snapshot pairing.Snapshot `json:"snapshot"`
}

// Peers keeps the newest snapshot from each peer process and fans updates out
// to subscribers. A subscriber that falls more than peerMailbox updates behind
// loses the overflow; the next update from that peer supersedes it anyway.
type Peers struct {
	mu     sync.Mutex
	latest map[string]PeerSnapshot
	subs   map[uint64]chan PeerSnapshot
	nextID uint64
}

func NewPeers() *Peers {
	return &Peers{
		latest: make(map[string]PeerSnapshot),
		subs:   make(map[uint64]chan PeerSnapshot),
	}
}

// Publish records ps unless an equal or newer version from the same origin is
// already held. It reports whether ps was accepted.
func (p *Peers) Publish(ps PeerSnapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.latest[ps.Origin]; ok && ps.Snapshot.Version <= cur.Snapshot.Version {
		return false
	}
	p.latest[ps.Origin] = ps
	for _, ch := range p.subs {
		select {
		case ch <- ps:
		default:
		}
	}
	return true
}

// Latest returns the newest snapshot of every known peer, ordered by origin.
func (p *Peers) Latest() []PeerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestLocked()
}

func (p *Peers) latestLocked() []PeerSnapshot {
	out := make([]PeerSnapshot, 0, len(p.latest))
	for _, ps := range p.latest {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Subscribe returns a channel of peer updates and a cancel func that closes
// it. The latest snapshot of every known peer is queued immediately.
func (p *Peers) Subscribe() (<-chan PeerSnapshot, func()) {
	p.mu.Lock()
	current := p.latestLocked()
	ch := make(chan PeerSnapshot, max(peerMailbox, len(current)))
	for _, ps := range current {
		ch <- ps
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			close(ch)
			p.mu.Unlock()
		})
	}
	return ch, cancel
}
