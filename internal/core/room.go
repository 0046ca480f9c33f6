package core

import "sync"

// Room groups the sessions clients hold in the same room.
type Room struct {
	Name string

	mu       sync.Mutex
	sessions map[*Client]*Session
}

// NewRoom constructs a room with no sessions.
func NewRoom(name string) *Room {
	return &Room{
		Name:     name,
		sessions: make(map[*Client]*Session),
	}
}

// Add registers a client's session. Returns false if the client already has one.
func (r *Room) Add(c *Client, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[c]; exists {
		return false
	}
	r.sessions[c] = s
	return true
}

// Remove drops the client's session and returns it.
func (r *Room) Remove(c *Client) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[c]
	if ok {
		delete(r.sessions, c)
	}
	return s, ok
}

// Sessions returns a copy of the open sessions.
func (r *Room) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Empty returns true if no sessions are open in the room.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0
}
