package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/metrics"
)

var (
	ErrNotConnected   = errors.New("pairing: client not connected")
	ErrAlreadyWaiting = errors.New("pairing: client already waiting")
	ErrNotPaired      = errors.New("pairing: client not paired")
	ErrTooManyClients = errors.New("pairing: too many clients")
)

// Room dissolution causes.
const (
	causeDisconnect = "disconnect"
	causeRematch    = "rematch"
	causeRepair     = "repair"
)

const waitSweepInterval = time.Second

type Config struct {
	Notifier Notifier
	Presence PresencePublisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// MaxClients caps concurrently registered clients (0 = unlimited).
	MaxClients int
	// WaitTimeout removes clients that waited this long without a match
	// (0 = wait indefinitely).
	WaitTimeout time.Duration
	// ConsistencyCheckInterval controls how often Run verifies the
	// cross-component invariants (0 = never).
	ConsistencyCheckInterval time.Duration
	// BroadcastUserCount tells every client the connected count whenever a
	// client connects or disconnects.
	BroadcastUserCount bool

	Now          func() time.Time
	NewRoomToken func() RoomToken
}

// Match is the outcome of FindPartner.
type Match struct {
	Paired  bool
	Room    RoomToken
	Partner ClientID
	// Position is the requester's 1-based queue position when not paired.
	Position int
}

// Engine owns the registry, waiting queue and room directory. Every mutation
// happens under a single mutex, so queue pops, pairings and teardowns are
// atomic with respect to each other.
type Engine struct {
	notifier Notifier
	presence PresencePublisher
	metrics  *metrics.Metrics
	log      *slog.Logger

	maxClients       int
	waitTimeout      time.Duration
	consistencyEvery time.Duration
	broadcastCount   bool
	now              func() time.Time
	newRoomToken     func() RoomToken

	mu       sync.Mutex
	registry *Registry
	queue    *WaitingQueue
	rooms    *RoomDirectory
	version  uint64
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		notifier:         cfg.Notifier,
		presence:         cfg.Presence,
		metrics:          cfg.Metrics,
		log:              cfg.Logger,
		maxClients:       cfg.MaxClients,
		waitTimeout:      cfg.WaitTimeout,
		consistencyEvery: cfg.ConsistencyCheckInterval,
		broadcastCount:   cfg.BroadcastUserCount,
		now:              cfg.Now,
		newRoomToken:     cfg.NewRoomToken,
		registry:         NewRegistry(),
		queue:            NewWaitingQueue(),
		rooms:            NewRoomDirectory(),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newRoomToken == nil {
		e.newRoomToken = NewRoomToken
	}
	return e
}

// Connect registers id and publishes presence. Connecting an id twice is a
// no-op apart from the publish.
func (e *Engine) Connect(id ClientID) error {
	e.mu.Lock()
	if e.maxClients > 0 && !e.registry.IsConnected(id) && e.registry.Count() >= e.maxClients {
		e.mu.Unlock()
		return ErrTooManyClients
	}
	if e.registry.Register(id) {
		e.broadcastCountLocked()
	}
	snap := e.commitLocked()
	e.mu.Unlock()

	e.log.Debug("client connected", "client_id", id)
	e.publish(snap)
	return nil
}

// Disconnect tears down everything id participates in: it leaves the queue,
// its room is dissolved (the partner is told partner_left), and it is
// unregistered. Calling Disconnect again for the same id has no further effect
// on state.
func (e *Engine) Disconnect(id ClientID) {
	e.mu.Lock()
	e.queue.Remove(id)
	e.dissolveLocked(id, causeDisconnect)
	if e.registry.Unregister(id) {
		e.broadcastCountLocked()
	}
	snap := e.commitLocked()
	e.mu.Unlock()

	e.log.Debug("client disconnected", "client_id", id)
	e.publish(snap)
}

// FindPartner pairs id with the longest-waiting client, or queues id when no
// one is waiting. Requests from unknown or already-waiting clients are
// rejected without changing state. A client that is already in a room leaves
// it first and its former partner is told partner_left.
func (e *Engine) FindPartner(id ClientID) (Match, error) {
	e.mu.Lock()
	if err := e.admitFindLocked(id); err != nil {
		e.mu.Unlock()
		return Match{}, err
	}
	// Past admission the request may already have changed state, so the
	// snapshot is committed even when pairing fails.
	m, err := e.findPartnerLocked(id)
	snap := e.commitLocked()
	e.mu.Unlock()

	e.publish(snap)
	if err != nil {
		return Match{}, err
	}
	return m, nil
}

// admitFindLocked rejects requests that must not touch state.
func (e *Engine) admitFindLocked(id ClientID) error {
	if !e.registry.IsConnected(id) {
		e.metrics.IncPolicyRejection(metrics.RejectNotConnected)
		e.log.Debug("find_partner rejected", "client_id", id, "reason", metrics.RejectNotConnected)
		return ErrNotConnected
	}
	if e.queue.Contains(id) {
		e.metrics.IncPolicyRejection(metrics.RejectAlreadyWaiting)
		e.log.Debug("find_partner rejected", "client_id", id, "reason", metrics.RejectAlreadyWaiting)
		return ErrAlreadyWaiting
	}
	return nil
}

func (e *Engine) findPartnerLocked(id ClientID) (Match, error) {
	if _, inRoom := e.rooms.RoomOf(id); inRoom {
		e.dissolveLocked(id, causeRematch)
	}

	for {
		head, ok := e.queue.DequeueNext()
		if !ok {
			break
		}
		if head == id {
			continue
		}
		if !e.registry.IsConnected(head) {
			e.repairLocked(metrics.RepairStaleQueueEntry, "client_id", head)
			continue
		}
		if _, busy := e.rooms.RoomOf(head); busy {
			e.repairLocked(metrics.RepairQueuedWhilePaired, "client_id", head)
			continue
		}

		token := e.newRoomToken()
		if err := e.rooms.Open(token, head, id); err != nil {
			e.queue.Enqueue(head, e.now())
			e.log.Error("open room", "room_id", token, "first_mover", head, "second_mover", id, "err", err)
			return Match{}, fmt.Errorf("open room: %w", err)
		}
		e.metrics.IncPairing()
		e.log.Info("clients paired", "room_id", token, "first_mover", head, "second_mover", id)

		e.notify(head, Event{Type: EventPaired, Room: token, FirstMover: true})
		e.notify(id, Event{Type: EventPaired, Room: token, FirstMover: false})
		return Match{Paired: true, Room: token, Partner: head}, nil
	}

	e.queue.Enqueue(id, e.now())
	pos := e.queue.Len()
	e.notify(id, Event{Type: EventWaiting, Position: pos})
	return Match{Position: pos}, nil
}

// Relay forwards payload to the sender's partner only. Signals from a client
// without a room are dropped and reported as ErrNotPaired.
func (e *Engine) Relay(sender ClientID, kind string, payload json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	partner, token, ok := e.rooms.PartnerOf(sender)
	if !ok {
		e.metrics.IncSignalDropped(metrics.DropReasonNotPaired)
		e.log.Debug("signal dropped", "client_id", sender, "kind", kind, "reason", metrics.DropReasonNotPaired)
		return ErrNotPaired
	}
	if e.notify(partner, Event{Type: EventSignal, Room: token, Kind: kind, Payload: payload}) {
		e.metrics.IncSignalRelayed(kind)
	}
	return nil
}

// ExpireWaiting removes clients that have waited at least the configured wait
// timeout and tells each of them wait_timeout.
func (e *Engine) ExpireWaiting(now time.Time) []ClientID {
	if e.waitTimeout <= 0 {
		return nil
	}

	e.mu.Lock()
	expired := e.queue.Expired(now.Add(-e.waitTimeout))
	if len(expired) == 0 {
		e.mu.Unlock()
		return nil
	}
	for _, id := range expired {
		e.queue.Remove(id)
		e.metrics.IncWaitTimeout()
		e.notify(id, Event{Type: EventWaitTimeout})
	}
	snap := e.commitLocked()
	e.mu.Unlock()

	e.log.Info("waiting clients expired", "count", len(expired), "wait_timeout", e.waitTimeout)
	e.publish(snap)
	return expired
}

// CheckConsistency verifies the invariants that tie the registry, queue and
// room directory together and repairs any violation it finds. It returns the
// number of repairs made.
func (e *Engine) CheckConsistency() int {
	e.mu.Lock()
	n := e.checkLocked()
	if n == 0 {
		e.mu.Unlock()
		return 0
	}
	snap := e.commitLocked()
	e.mu.Unlock()

	e.publish(snap)
	return n
}

func (e *Engine) checkLocked() int {
	n := 0

	for _, id := range e.queue.IDs() {
		if !e.registry.IsConnected(id) {
			e.queue.Remove(id)
			e.repairLocked(metrics.RepairStaleQueueEntry, "client_id", id)
			n++
			continue
		}
		if _, ok := e.rooms.RoomOf(id); ok {
			e.queue.Remove(id)
			e.repairLocked(metrics.RepairQueuedWhilePaired, "client_id", id)
			n++
		}
	}

	for id, token := range e.rooms.byClient {
		members, ok := e.rooms.rooms[token]
		if !ok || (members[0] != id && members[1] != id) {
			delete(e.rooms.byClient, id)
			e.repairLocked(metrics.RepairDanglingRoomRef, "client_id", id, "room_id", token)
			n++
		}
	}

	for token, members := range e.rooms.rooms {
		intact := true
		for _, m := range members {
			if !e.registry.IsConnected(m) || e.rooms.byClient[m] != token {
				intact = false
			}
		}
		if intact {
			continue
		}
		delete(e.rooms.rooms, token)
		for _, m := range members {
			if e.rooms.byClient[m] == token {
				delete(e.rooms.byClient, m)
			}
			if e.registry.IsConnected(m) {
				e.notify(m, Event{Type: EventPartnerLeft, Room: token})
			}
		}
		e.metrics.IncRoomDissolved(causeRepair)
		e.repairLocked(metrics.RepairOneSidedRoom, "room_id", token, "a", members[0], "b", members[1])
		n++
	}

	return n
}

// Run drives the wait-timeout sweeper and the periodic consistency check until
// ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var sweep, check <-chan time.Time
	if e.waitTimeout > 0 {
		t := time.NewTicker(min(waitSweepInterval, e.waitTimeout))
		defer t.Stop()
		sweep = t.C
	}
	if e.consistencyEvery > 0 {
		t := time.NewTicker(e.consistencyEvery)
		defer t.Stop()
		check = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep:
			e.ExpireWaiting(e.now())
		case <-check:
			if n := e.CheckConsistency(); n > 0 {
				e.log.Warn("consistency check repaired state", "repairs", n)
			}
		}
	}
}

// Observe republishes the current snapshot without changing state. Admin
// observers use it to get an immediate view after subscribing.
func (e *Engine) Observe() Snapshot {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(snap)
	return snap
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) IsConnected(id ClientID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.IsConnected(id)
}

// broadcastCountLocked tells every registered client the current count.
func (e *Engine) broadcastCountLocked() {
	if !e.broadcastCount {
		return
	}
	n := e.registry.Count()
	for id := range e.registry.clients {
		e.notify(id, Event{Type: EventUserCount, Count: n})
	}
}

func (e *Engine) dissolveLocked(id ClientID, cause string) {
	partner, token, ok := e.rooms.Dissolve(id)
	if token == "" {
		return
	}
	if !ok {
		e.repairLocked(metrics.RepairDanglingRoomRef, "client_id", id, "room_id", token)
		return
	}
	e.metrics.IncRoomDissolved(cause)
	e.log.Info("room dissolved", "room_id", token, "client_id", id, "partner_id", partner, "cause", cause)
	e.notify(partner, Event{Type: EventPartnerLeft, Room: token})
}

func (e *Engine) repairLocked(kind string, args ...any) {
	e.metrics.IncInvariantRepair(kind)
	e.log.Error("pairing invariant violated", append([]any{"repair", kind}, args...)...)
}

func (e *Engine) notify(to ClientID, ev Event) bool {
	if e.notifier == nil {
		return false
	}
	if !e.notifier.Notify(to, ev) {
		e.metrics.IncSignalDropped(metrics.DropReasonSendFailed)
		return false
	}
	return true
}

func (e *Engine) commitLocked() Snapshot {
	e.version++
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:   e.version,
		Connected: e.registry.Count(),
		Waiting:   e.queue.IDs(),
		Rooms:     e.rooms.Snapshot(),
		TakenAt:   e.now(),
	}
	e.metrics.SetPresence(snap.Connected, len(snap.Waiting), len(snap.Rooms))
	return snap
}

func (e *Engine) publish(snap Snapshot) {
	if e.presence == nil {
		return
	}
	e.presence.Publish(snap)
}
