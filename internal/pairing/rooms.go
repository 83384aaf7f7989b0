package pairing

import "errors"

var errRoomOccupied = errors.New("pairing: client already in a room")

// RoomDirectory maps clients to rooms and rooms to their two occupants.
//
// It is not safe for concurrent use; Engine serializes access.
type RoomDirectory struct {
	byClient map[ClientID]RoomToken
	rooms    map[RoomToken][2]ClientID
}

func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		byClient: make(map[ClientID]RoomToken),
		rooms:    make(map[RoomToken][2]ClientID),
	}
}

// Open records a new room holding a and b.
func (d *RoomDirectory) Open(token RoomToken, a, b ClientID) error {
	if a == b {
		return errors.New("pairing: room occupants must differ")
	}
	if _, ok := d.byClient[a]; ok {
		return errRoomOccupied
	}
	if _, ok := d.byClient[b]; ok {
		return errRoomOccupied
	}
	if _, ok := d.rooms[token]; ok {
		return errors.New("pairing: room token reused")
	}
	d.rooms[token] = [2]ClientID{a, b}
	d.byClient[a] = token
	d.byClient[b] = token
	return nil
}

func (d *RoomDirectory) RoomOf(id ClientID) (RoomToken, bool) {
	token, ok := d.byClient[id]
	return token, ok
}

// PartnerOf returns the other occupant of id's room.
func (d *RoomDirectory) PartnerOf(id ClientID) (ClientID, RoomToken, bool) {
	token, ok := d.byClient[id]
	if !ok {
		return "", "", false
	}
	members, ok := d.rooms[token]
	if !ok {
		return "", token, false
	}
	switch id {
	case members[0]:
		return members[1], token, true
	case members[1]:
		return members[0], token, true
	default:
		return "", token, false
	}
}

// Dissolve removes id's room and both directory entries. It returns the
// partner that was in the room with id. Dissolving when id has no room is a
// no-op that reports ok=false.
func (d *RoomDirectory) Dissolve(id ClientID) (partner ClientID, token RoomToken, ok bool) {
	token, ok = d.byClient[id]
	if !ok {
		return "", "", false
	}
	delete(d.byClient, id)

	members, found := d.rooms[token]
	if !found {
		return "", token, false
	}
	delete(d.rooms, token)
	for _, m := range members {
		if m == id {
			continue
		}
		if d.byClient[m] == token {
			delete(d.byClient, m)
		}
		partner = m
	}
	return partner, token, partner != ""
}

func (d *RoomDirectory) Len() int {
	return len(d.rooms)
}

// Snapshot returns a copy of the room table.
func (d *RoomDirectory) Snapshot() map[RoomToken][2]ClientID {
	out := make(map[RoomToken][2]ClientID, len(d.rooms))
	for token, members := range d.rooms {
		out[token] = members
	}
	return out
}
