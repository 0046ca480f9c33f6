package proto

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello  = "hello"
	InboundTypeJoin   = "join"
	InboundTypeLeave  = "leave"
	InboundTypeRename = "rename"
	InboundTypeTyping = "typing"
	InboundTypeMsg    = "msg"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventPresence = "presence"
	EventTyping   = "typing"
	EventMessages = "messages"

	ErrCodeInvalidMessage     = "invalid_message"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeHelloRequired      = "hello_required"
)

// HelloData is sent by the client to introduce itself. It must be the first frame.
type HelloData struct {
	User     string `json:"user"`
	Name     string `json:"name,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// RoomData names the room of a join, leave or typing frame.
type RoomData struct {
	Room string `json:"room"`
}

// RenameData changes the sender's display name in a room.
type RenameData struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

// MsgData is a chat message from the client.
type MsgData struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Participant is a presence entry on the wire.
type Participant struct {
	User     string    `json:"user"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
}

// Typist is a typing entry on the wire.
type Typist struct {
	User string `json:"user"`
	Name string `json:"name"`
}

// Message is a chat message on the wire.
type Message struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	TS      int64  `json:"ts"`
	Pending bool   `json:"pending,omitempty"`
}

// EventPresenceData carries the ranked participant list of a room.
type EventPresenceData struct {
	Room         string        `json:"room"`
	Participants []Participant `json:"participants"`
}

// EventTypingData carries who is typing in a room.
type EventTypingData struct {
	Room  string   `json:"room"`
	Users []Typist `json:"users"`
}

// EventMessagesData carries the ordered message list of a room.
type EventMessagesData struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
