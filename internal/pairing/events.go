package pairing

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventWaiting     EventType = "waiting"
	EventPaired      EventType = "paired"
	EventPartnerLeft EventType = "partner_left"
	EventSignal      EventType = "signal"
	EventWaitTimeout EventType = "wait_timeout"
	EventUserCount   EventType = "user_count"
)

// Event is something the engine tells a single client.
type Event struct {
	Type EventType

	// Room is set for paired and partner_left.
	Room RoomToken
	// FirstMover is set for paired. The longest-waiting client is the first
	// mover and is expected to create the offer.
	FirstMover bool
	// Position is the 1-based queue position for waiting.
	Position int

	// Kind and Payload are set for signal. Payload is forwarded verbatim.
	Kind    string
	Payload json.RawMessage

	// Count is set for user_count.
	Count int
}

// Notifier delivers events to connected clients.
//
// Notify is called while the engine lock is held, so implementations must not
// block and must not call back into the engine. It reports whether the event
// was accepted for delivery.
type Notifier interface {
	Notify(to ClientID, ev Event) bool
}

// Snapshot is a point-in-time view of presence for admin observers.
type Snapshot struct {
	// Version increases with every state mutation.
	Version   uint64                    `json:"version"`
	Connected int                       `json:"connectedCount"`
	Waiting   []ClientID                `json:"waitingIds"`
	Rooms     map[RoomToken][2]ClientID `json:"rooms"`
	TakenAt   time.Time                 `json:"takenAt"`
}

// PresencePublisher receives snapshots after every state change. Publish is
// called without the engine lock held; snapshots may arrive out of order and
// should be ordered by Version.
type PresencePublisher interface {
	Publish(Snapshot)
}

type NotifierFunc func(to ClientID, ev Event) bool

func (f NotifierFunc) Notify(to ClientID, ev Event) bool { return f(to, ev) }

type PublisherFunc func(Snapshot)

func (f PublisherFunc) Publish(s Snapshot) { f(s) }
