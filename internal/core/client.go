package core

import "sync"

// Client is a connected participant as seen by the core layer.
type Client struct {
	ID       string
	UserID   string
	Name     string
	Commands chan *Command
	Events   chan *Event

	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string][]*Subscription
	done     chan struct{}
	closed   bool
}

// NewClient constructs a client with initialized channels.
func NewClient(id, userID, name string) *Client {
	if userID == "" {
		userID = id
	}
	if name == "" {
		name = userID
	}
	return &Client{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Commands: make(chan *Command, 16),
		Events:   make(chan *Event, 64),
		sessions: make(map[string]*Session),
		subs:     make(map[string][]*Subscription),
		done:     make(chan struct{}),
	}
}

// Session returns the client's session in room.
func (c *Client) Session(room string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[room]
	return s, ok
}

// Rooms lists the rooms the client holds sessions in.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for room := range c.sessions {
		out = append(out, room)
	}
	return out
}

// deliver queues ev, dropping it for a slow consumer.
func (c *Client) deliver(ev *Event) {
	select {
	case c.Events <- ev:
	default:
	}
}

func (c *Client) fail(room string, err error) {
	c.deliver(&Event{Kind: EventError, Room: room, Error: ToCoreError(err)})
}

func (c *Client) claim(room string, s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.sessions[room]; ok {
		return false
	}
	c.sessions[room] = s
	return true
}

func (c *Client) attach(room string, subs ...*Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[room] = append(c.subs[room], subs...)
}

func (c *Client) release(room string) *Session {
	c.mu.Lock()
	s := c.sessions[room]
	subs := c.subs[room]
	delete(c.sessions, room)
	delete(c.subs, room)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return s
}

// close marks the client gone and returns the sessions it held.
func (c *Client) close() []*Session {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	rooms := make([]string, 0, len(c.sessions))
	for room := range c.sessions {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	out := make([]*Session, 0, len(rooms))
	for _, room := range rooms {
		if s := c.release(room); s != nil {
			out = append(out, s)
		}
	}
	return out
}
