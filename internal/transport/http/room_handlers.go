package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/core"
)

// RoomHandlers provides read-only HTTP views of room state.
type RoomHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(hub *core.Hub, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		hub: hub,
		log: logger,
	}
}

// RoomsResponse lists rooms with open sessions.
type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

// MessagesQuery binds the messages endpoint query string.
type MessagesQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ListRooms handles listing rooms with open sessions on this node.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.hub.Rooms()})
}

// GetPresence returns the participants of a room.
// GET /api/rooms/:room/presence
func (h *RoomHandlers) GetPresence(c *gin.Context) {
	room := c.Param("room")

	participants, err := h.hub.Presence(c.Request.Context(), room)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to read presence")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, presenceData(room, participants))
}

// GetMessages returns recent messages of a room, oldest first.
// GET /api/rooms/:room/messages?limit=N
func (h *RoomHandlers) GetMessages(c *gin.Context) {
	room := c.Param("room")

	var q MessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.log.Debug().Err(err).Msg("invalid messages query")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
		return
	}

	messages, err := h.hub.History(c.Request.Context(), room, q.Limit)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to read messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, messagesData(room, messages))
}
