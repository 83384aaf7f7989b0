package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/alarm"
	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/pairing"
)

// Inbound message types.
const (
	MessageTypeFindPartner = "find_partner"
	MessageTypePing        = "ping"

	MessageTypeOffer      = "offer"
	MessageTypeAnswer     = "answer"
	MessageTypeCandidate  = "candidate"
	MessageTypeChat       = "chat"
	MessageTypeTyping     = "typing"
	MessageTypeStopTyping = "stop_typing"
)

// Outbound message types. Relayed kinds reuse the inbound names.
const (
	MessageTypeHello       = "hello"
	MessageTypeWaiting     = "waiting"
	MessageTypePaired      = "paired"
	MessageTypePartnerLeft = "partner_left"
	MessageTypeWaitTimeout = "wait_timeout"
	MessageTypeUserCount   = "user_count"
	MessageTypeAlarm       = "alarm"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

var (
	errUnknownType    = errors.New("signaling: unknown message type")
	errMissingType    = errors.New("signaling: missing message type")
	errUnexpectedData = errors.New("signaling: message does not take data")
)

// relayKinds are forwarded to the partner verbatim.
var relayKinds = map[string]bool{
	MessageTypeOffer:      true,
	MessageTypeAnswer:     true,
	MessageTypeCandidate:  true,
	MessageTypeChat:       true,
	MessageTypeTyping:     true,
	MessageTypeStopTyping: true,
}

// IsRelayKind reports whether messages of type t are forwarded to the partner.
func IsRelayKind(t string) bool { return relayKinds[t] }

// ClientMessage is a frame sent by a browser.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is a frame sent to a browser. Only the fields relevant to Type
// are set.
type ServerMessage struct {
	Type string `json:"type"`

	ClientID pairing.ClientID `json:"clientId,omitempty"`
	Alarm    *alarm.State     `json:"alarm,omitempty"`

	Position     int               `json:"position,omitempty"`
	RoomID       pairing.RoomToken `json:"roomId,omitempty"`
	IsFirstMover *bool             `json:"isFirstMover,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`

	Count int `json:"count,omitempty"`

	Active  *bool  `json:"active,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseClientMessage strictly decodes and validates one inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	switch {
	case msg.Type == "":
		return ClientMessage{}, errMissingType
	case msg.Type == MessageTypeFindPartner || msg.Type == MessageTypePing:
		if len(msg.Data) > 0 {
			return ClientMessage{}, fmt.Errorf("%w: %q", errUnexpectedData, msg.Type)
		}
	case IsRelayKind(msg.Type):
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", errUnknownType, msg.Type)
	}
	return msg, nil
}

// eventMessage maps an engine event to its wire form.
func eventMessage(ev pairing.Event) (ServerMessage, bool) {
	switch ev.Type {
	case pairing.EventWaiting:
		return ServerMessage{Type: MessageTypeWaiting, Position: ev.Position}, true
	case pairing.EventPaired:
		return ServerMessage{Type: MessageTypePaired, RoomID: ev.Room, IsFirstMover: ptr(ev.FirstMover)}, true
	case pairing.EventPartnerLeft:
		return ServerMessage{Type: MessageTypePartnerLeft, RoomID: ev.Room}, true
	case pairing.EventSignal:
		return ServerMessage{Type: ev.Kind, Data: ev.Payload}, true
	case pairing.EventWaitTimeout:
		return ServerMessage{Type: MessageTypeWaitTimeout}, true
	case pairing.EventUserCount:
		return ServerMessage{Type: MessageTypeUserCount, Count: ev.Count}, true
	default:
		return ServerMessage{}, false
	}
}

func alarmMessage(st alarm.State) ServerMessage {
	return ServerMessage{Type: MessageTypeAlarm, Active: ptr(st.Active), Message: st.Message}
}

func helloMessage(id pairing.ClientID, st alarm.State) ServerMessage {
	return ServerMessage{Type: MessageTypeHello, ClientID: id, Alarm: &st}
}

func errorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: MessageTypeError, Code: code, Message: message}
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
