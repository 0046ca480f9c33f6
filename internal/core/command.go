package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandSendRoomMessage posts a chat message to a joined room.
	CommandSendRoomMessage CommandKind = iota
	// CommandJoinRoom opens a session in a room.
	CommandJoinRoom
	// CommandLeaveRoom closes the client's session in a room.
	CommandLeaveRoom
	// CommandRename changes the client's display name in a room.
	CommandRename
	// CommandTyping reports input activity in a room.
	CommandTyping
)

// Command represents an action requested by a client.
type Command struct {
	Kind CommandKind
	Room string
	Text string
	Name string
}
