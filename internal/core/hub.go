package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// commandTimeout bounds the substrate I/O of one client command.
const commandTimeout = 10 * time.Second

// Hub owns the open sessions per room, executes client commands against them
// and fans session state out to clients.
type Hub struct {
	store store.Store
	clock clock.Clock
	cfg   config.Room
	log   *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	rooms   map[string]*Room
	known   map[string]struct{}
	clients map[*Client]struct{}
}

// NewHub creates a hub on st. A nil clock uses the wall clock.
func NewHub(st store.Store, cfg config.Room, clk clock.Clock, logger *zerolog.Logger) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:   st,
		clock:   clk,
		cfg:     cfg,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*Room),
		known:   make(map[string]struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// Run reaps stale presence and typing records until ctx is done, then fires
// the termination hook for every open session.
func (h *Hub) Run(ctx context.Context) {
	stop := func() {}
	if h.cfg.ReapInterval > 0 {
		ticker := h.clock.Ticker(h.cfg.ReapInterval)
		stop = ticker.Stop
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					h.reap(ctx)
				}
			}
		}()
	}

	<-ctx.Done()
	stop()
	h.shutdown()
}

func (h *Hub) reap(ctx context.Context) {
	h.mu.RLock()
	rooms := make([]string, 0, len(h.known))
	for room := range h.known {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	for _, room := range rooms {
		n, err := SweepStalePresence(ctx, h.store, h.clock, room, h.cfg.PresenceTTL)
		if err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("presence reap failed")
		} else if n > 0 {
			h.log.Info().Str("room", room).Int("count", n).Msg("reaped stale participants")
		}
		// Keystrokes inside the refresh interval are not re-announced, so a
		// live record can lag its local expiry by up to one refresh.
		if _, err := SweepStaleTyping(ctx, h.store, h.clock, room, h.cfg.TypingTTL+h.cfg.TypingRefresh); err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("typing reap failed")
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.UnregisterClient(c)
	}
	h.cancel()
}

// RegisterClient starts executing the client's commands.
func (h *Hub) RegisterClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.serve(c)
}

// UnregisterClient stops the client and fires the termination hook for each
// of its sessions.
func (h *Hub) UnregisterClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	for _, s := range c.close() {
		h.detach(s.Room(), c)
		s.Terminate()
	}
}

func (h *Hub) serve(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case <-h.ctx.Done():
			return
		case cmd := <-c.Commands:
			if cmd == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(h.ctx, commandTimeout)
			h.Handle(ctx, c, cmd)
			cancel()
		}
	}
}

// Handle executes cmd for c. Failures are delivered as error events.
func (h *Hub) Handle(ctx context.Context, c *Client, cmd *Command) {
	if strings.TrimSpace(cmd.Room) == "" {
		c.fail(cmd.Room, fmt.Errorf("%w: room is required", ErrBadRequest))
		return
	}

	var err error
	switch cmd.Kind {
	case CommandJoinRoom:
		err = h.join(ctx, c, cmd.Room)
	case CommandLeaveRoom:
		err = h.leave(ctx, c, cmd.Room)
	case CommandRename:
		err = h.withSession(c, cmd.Room, func(s *Session) error {
			return s.Rename(ctx, c.UserID, cmd.Name)
		})
	case CommandTyping:
		err = h.withSession(c, cmd.Room, func(s *Session) error {
			return s.NotifyTyping(ctx, c.UserID, "")
		})
	case CommandSendRoomMessage:
		err = h.withSession(c, cmd.Room, func(s *Session) error {
			_, err := s.Send(ctx, c.UserID, "", cmd.Text)
			return err
		})
	default:
		err = fmt.Errorf("%w: unknown command %d", ErrBadRequest, cmd.Kind)
	}

	if err != nil {
		h.log.Debug().Err(err).Str("client_id", c.ID).Str("room", cmd.Room).Msg("command failed")
		c.fail(cmd.Room, err)
	}
}

func (h *Hub) join(ctx context.Context, c *Client, room string) error {
	s := NewSession(room, h.store, h.clock, h.cfg, h.log)
	if !c.claim(room, s) {
		return ErrAlreadyJoined
	}
	if err := s.Join(ctx, c.UserID, c.Name); err != nil {
		c.release(room)
		return err
	}

	c.attach(room,
		s.SubscribePresence(func(ps []Participant) {
			c.deliver(&Event{Kind: EventPresence, Room: room, Participants: ps})
		}),
		s.SubscribeTyping(func(ts []TypingSignal) {
			c.deliver(&Event{Kind: EventTyping, Room: room, Typing: ts})
		}),
		s.SubscribeMessages(func(ms []Message) {
			c.deliver(&Event{Kind: EventMessages, Room: room, Messages: ms})
		}),
	)

	h.mu.Lock()
	r, ok := h.rooms[room]
	if !ok {
		r = NewRoom(room)
		h.rooms[room] = r
	}
	r.Add(c, s)
	h.known[room] = struct{}{}
	h.mu.Unlock()

	// The client may have gone away while the join was in flight.
	if cur, ok := c.Session(room); !ok || cur != s {
		h.detach(room, c)
		s.Terminate()
	}

	h.log.Debug().Str("client_id", c.ID).Str("room", room).Msg("client joined")
	return nil
}

func (h *Hub) leave(ctx context.Context, c *Client, room string) error {
	if _, ok := c.Session(room); !ok {
		return ErrNotJoined
	}
	s := c.release(room)
	h.detach(room, c)
	return s.Leave(ctx)
}

func (h *Hub) withSession(c *Client, room string, fn func(*Session) error) error {
	s, ok := c.Session(room)
	if !ok {
		return ErrNotJoined
	}
	return fn(s)
}

func (h *Hub) detach(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return
	}
	r.Remove(c)
	if r.Empty() {
		delete(h.rooms, room)
	}
}

// Rooms lists rooms with at least one open session.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		out = append(out, name)
	}
	h.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Presence reads the room's participants from the substrate.
func (h *Hub) Presence(ctx context.Context, room string) ([]Participant, error) {
	ps, err := queryParticipants(ctx, h.store, store.Presence(room))
	if err != nil {
		return nil, err
	}
	rankParticipants(ps)
	return ps, nil
}

// History reads the most recent limit messages of room from the substrate.
func (h *Hub) History(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 || (h.cfg.HistoryLimit > 0 && limit > h.cfg.HistoryLimit) {
		limit = h.cfg.HistoryLimit
	}
	msgs, err := queryMessages(ctx, h.store, store.Messages(room), store.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
