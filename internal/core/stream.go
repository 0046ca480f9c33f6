package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/utils"
)

// MessageStream is the ordered, deduplicated view of a room's messages.
// Locally sent messages appear immediately and converge with the copy the
// substrate echoes back.
type MessageStream struct {
	table  store.Table
	store  store.Store
	clock  clock.Clock
	log    *zerolog.Logger
	window time.Duration
	max    int

	mu   sync.Mutex
	msgs []Message // sorted by (created_at, id)
	// sent holds ids of messages sent through this stream. Only these take
	// part in content matching; two broadcast copies are never merged.
	sent map[string]struct{}

	listeners listeners[[]Message]
}

// NewMessageStream creates an empty stream. window is the echo dedup window
// (0 disables content matching); max bounds retained messages (0 = unbounded).
func NewMessageStream(room string, st store.Store, clk clock.Clock, window time.Duration, max int, logger *zerolog.Logger) *MessageStream {
	return &MessageStream{
		table:  store.Messages(room),
		store:  st,
		clock:  clk,
		log:    logger,
		window: window,
		max:    max,
		sent:   make(map[string]struct{}),
	}
}

// Send appends body optimistically and writes the durable copy. On failure
// the optimistic entry is rolled back and a *WriteError returned.
func (s *MessageStream) Send(ctx context.Context, userID, displayName, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyBody
	}

	msg := Message{
		ID:          utils.NewMessageID(),
		UserID:      userID,
		DisplayName: displayName,
		Body:        body,
		CreatedAt:   s.clock.Now().UTC(),
		Pending:     true,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	s.mu.Lock()
	s.insertLocked(msg)
	s.sent[msg.ID] = struct{}{}
	s.mu.Unlock()
	s.notify()

	if err := s.store.Insert(ctx, s.table, msg.ID, data); err != nil {
		s.mu.Lock()
		s.removeLocked(msg.ID)
		s.mu.Unlock()
		s.notify()
		return Message{}, writeError("messages.send", err)
	}

	s.mu.Lock()
	confirmed := s.confirmLocked(msg.ID)
	s.mu.Unlock()
	if confirmed {
		s.notify()
	}

	msg.Pending = false
	return msg, nil
}

// OnInserted merges a broadcast message. It returns false when an equivalent
// message is already present: the same id, or a message sent through this
// stream with the same author and body created within the dedup window. A
// same-id echo confirms a pending entry.
func (s *MessageStream) OnInserted(m Message) bool {
	m.Pending = false

	s.mu.Lock()
	added, changed := s.mergeLocked(m)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return added
}

// OnDeleted removes the message with id and reports whether it was present.
func (s *MessageStream) OnDeleted(id string) bool {
	s.mu.Lock()
	ok := s.removeLocked(id)
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// Load merges history through the dedup path, notifying once.
func (s *MessageStream) Load(msgs []Message) {
	changed := false

	s.mu.Lock()
	for _, m := range msgs {
		m.Pending = false
		if _, c := s.mergeLocked(m); c {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// LoadHistory reads the most recent limit messages from the substrate.
func (s *MessageStream) LoadHistory(ctx context.Context, limit int) error {
	msgs, err := queryMessages(ctx, s.store, s.table, store.QueryOptions{Limit: limit})
	if err != nil {
		return err
	}
	s.Load(msgs)
	return nil
}

// WipeUser deletes every message authored by userID from the substrate.
func (s *MessageStream) WipeUser(ctx context.Context, userID string) error {
	records, err := s.store.Query(ctx, s.table, store.QueryOptions{Match: store.MatchField("user_id", userID)})
	if err != nil {
		return writeError("messages.wipe", err)
	}
	var errs []error
	for _, rec := range records {
		if err := s.store.Delete(ctx, s.table, rec.Key); err != nil {
			errs = append(errs, writeError("messages.wipe", err))
		}
	}
	return errors.Join(errs...)
}

// All walks a snapshot of the stream taken when iteration starts. The
// sequence is single-use: later iterations yield nothing.
func (s *MessageStream) All() iter.Seq[Message] {
	var used atomic.Bool
	return func(yield func(Message) bool) {
		if used.Swap(true) {
			return
		}
		for _, m := range s.Snapshot() {
			if !yield(m) {
				return
			}
		}
	}
}

// Snapshot copies the current ordered list.
func (s *MessageStream) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs)
}

// Len returns the number of visible messages.
func (s *MessageStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// OnChange registers cb for the ordered list, pushing the current one first.
func (s *MessageStream) OnChange(cb func([]Message)) (cancel func()) {
	return s.listeners.subscribe(cb, s.Snapshot)
}

// Reset drops every message and listener.
func (s *MessageStream) Reset() {
	s.listeners.clear()
	s.mu.Lock()
	s.msgs = nil
	s.sent = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *MessageStream) mergeLocked(m Message) (added, changed bool) {
	if i := s.indexLocked(m.ID); i >= 0 {
		if s.msgs[i].Pending {
			s.msgs[i].Pending = false
			return false, true
		}
		return false, false
	}
	if i := s.equivalentLocked(m); i >= 0 {
		s.log.Debug().
			Str("room", s.table.Room).
			Str("message_id", m.ID).
			Str("kept_id", s.msgs[i].ID).
			Msg("duplicate echo suppressed")
		if s.msgs[i].Pending {
			s.msgs[i].Pending = false
			return false, true
		}
		return false, false
	}
	s.insertLocked(m)
	return true, true
}

func (s *MessageStream) equivalentLocked(m Message) int {
	if s.window <= 0 {
		return -1
	}
	for i, e := range s.msgs {
		if _, ok := s.sent[e.ID]; !ok || e.UserID != m.UserID || e.Body != m.Body {
			continue
		}
		d := e.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.window {
			return i
		}
	}
	return -1
}

func (s *MessageStream) insertLocked(m Message) {
	i, _ := slices.BinarySearchFunc(s.msgs, m, compareMessages)
	s.msgs = slices.Insert(s.msgs, i, m)
	if s.max > 0 && len(s.msgs) > s.max {
		for _, old := range s.msgs[:len(s.msgs)-s.max] {
			delete(s.sent, old.ID)
		}
		s.msgs = slices.Delete(s.msgs, 0, len(s.msgs)-s.max)
	}
}

func (s *MessageStream) removeLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	delete(s.sent, id)
	return true
}

func (s *MessageStream) confirmLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 || !s.msgs[i].Pending {
		return false
	}
	s.msgs[i].Pending = false
	return true
}

func (s *MessageStream) indexLocked(id string) int {
	return slices.IndexFunc(s.msgs, func(m Message) bool { return m.ID == id })
}

func (s *MessageStream) notify() {
	s.listeners.emit(s.Snapshot)
}

func queryMessages(ctx context.Context, st store.Reader, table store.Table, opts store.QueryOptions) ([]Message, error) {
	records, err := st.Query(ctx, table, opts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	out := make([]Message, 0, len(records))
	for _, rec := range records {
		var m Message
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			continue
		}
		if m.ID == "" {
			m.ID = rec.Key
		}
		out = append(out, m)
	}
	slices.SortFunc(out, compareMessages)
	return out, nil
}
