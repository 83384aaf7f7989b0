package pairing

import "github.com/google/uuid"

// ClientID identifies one live connection. It is never reused.
type ClientID string

// RoomToken identifies one two-party room.
type RoomToken string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

func NewRoomToken() RoomToken {
	return RoomToken(uuid.NewString())
}
