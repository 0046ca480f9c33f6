package core

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventPresence carries the ranked participant list of a room.
	EventPresence EventKind = iota
	// EventTyping carries who is typing in a room.
	EventTyping
	// EventMessages carries the ordered message list of a room.
	EventMessages
	// EventError notifies clients about a domain error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPresence:
		return "presence"
	case EventTyping:
		return "typing"
	case EventMessages:
		return "messages"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is sent to clients to describe the current state of a room.
type Event struct {
	Kind         EventKind
	Room         string
	Participants []Participant
	Typing       []TypingSignal
	Messages     []Message
	Error        *CoreError
}
