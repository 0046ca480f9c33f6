package core

import (
	"cmp"
	"slices"
	"time"
)

// Participant is one live presence record in a room.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
}

// TypingSignal marks a participant as composing a message.
type TypingSignal struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	StartedAt   time.Time `json:"started_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Message is an immutable chat message.
type Message struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	// Pending is set while the durable write has not been confirmed.
	Pending bool `json:"-"`
}

func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// rankParticipants orders most recently seen first, ties by user id.
func rankParticipants(ps []Participant) {
	slices.SortFunc(ps, func(a, b Participant) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}

func sortTyping(ts []TypingSignal) {
	slices.SortFunc(ts, func(a, b TypingSignal) int {
		if c := cmp.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}
