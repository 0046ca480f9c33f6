package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// applyTimeout bounds substrate reads triggered by change notifications.
const applyTimeout = 5 * time.Second

// PresenceRegistry caches who is in a room. The substrate is the source of
// truth; the cache is kept in step through change notifications.
type PresenceRegistry struct {
	table store.Table
	store store.Store
	clock clock.Clock
	log   *zerolog.Logger

	mu           sync.Mutex
	seq          uint64
	participants map[string]Participant
	// touched records the seq of the last direct change per user so a
	// refresh that started earlier cannot undo it.
	touched map[string]uint64

	listeners listeners[[]Participant]
}

// NewPresenceRegistry creates an empty registry for room.
func NewPresenceRegistry(room string, st store.Store, clk clock.Clock, logger *zerolog.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		table:        store.Presence(room),
		store:        st,
		clock:        clk,
		log:          logger,
		participants: make(map[string]Participant),
		touched:      make(map[string]uint64),
	}
}

// Join upserts the participant with a fresh last_seen. Repeated calls refresh it.
func (r *PresenceRegistry) Join(ctx context.Context, userID, displayName string) error {
	return r.put(ctx, "presence.join", Participant{
		UserID:      userID,
		DisplayName: displayName,
		LastSeen:    r.clock.Now().UTC(),
	})
}

// Heartbeat refreshes last_seen keeping the cached display name.
func (r *PresenceRegistry) Heartbeat(ctx context.Context, userID string) error {
	r.mu.Lock()
	p, ok := r.participants[userID]
	r.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	p.LastSeen = r.clock.Now().UTC()
	return r.put(ctx, "presence.heartbeat", p)
}

// Rename updates display_name in place.
func (r *PresenceRegistry) Rename(ctx context.Context, userID, displayName string) error {
	r.mu.Lock()
	p, ok := r.participants[userID]
	r.mu.Unlock()
	if !ok {
		p = Participant{UserID: userID}
	}
	p.DisplayName = displayName
	p.LastSeen = r.clock.Now().UTC()
	return r.put(ctx, "presence.rename", p)
}

// Leave deletes the participant. Missing records are not an error.
func (r *PresenceRegistry) Leave(ctx context.Context, userID string) error {
	if err := r.store.Delete(ctx, r.table, userID); err != nil {
		return writeError("presence.leave", err)
	}
	if r.remove(userID) {
		r.notify()
	}
	return nil
}

func (r *PresenceRegistry) put(ctx context.Context, op string, p Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	if err := r.store.Upsert(ctx, r.table, p.UserID, data); err != nil {
		return writeError(op, err)
	}
	r.set(p)
	r.notify()
	return nil
}

// OnChange registers cb for the ranked participant list. It is called with
// the current list immediately.
func (r *PresenceRegistry) OnChange(cb func([]Participant)) (cancel func()) {
	return r.listeners.subscribe(cb, r.Participants)
}

// Apply merges a change notification. Inserts and updates re-derive the
// whole list from the substrate; deletes remove the record directly.
func (r *PresenceRegistry) Apply(c Change) {
	if c.Participant == nil {
		return
	}
	switch c.Op {
	case ChangeInserted, ChangeUpdated:
		r.set(*c.Participant)
		r.notify()

		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.log.Warn().Err(err).Str("room", r.table.Room).Msg("presence refresh failed")
		}
	case ChangeDeleted:
		if r.remove(c.Key) {
			r.notify()
		}
	}
}

// Refresh replaces the cache with the substrate's current presence table.
func (r *PresenceRegistry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	start := r.seq
	r.mu.Unlock()

	participants, err := queryParticipants(ctx, r.store, r.table)
	if err != nil {
		return err
	}

	r.mu.Lock()
	next := make(map[string]Participant, len(participants))
	for _, p := range participants {
		next[p.UserID] = p
	}
	for user, at := range r.touched {
		if at <= start {
			continue
		}
		if p, ok := r.participants[user]; ok {
			next[user] = p
		} else {
			delete(next, user)
		}
	}
	r.participants = next
	r.mu.Unlock()

	r.notify()
	return nil
}

// Participants returns the ranked list, most recently seen first.
func (r *PresenceRegistry) Participants() []Participant {
	r.mu.Lock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.Unlock()

	rankParticipants(out)
	return out
}

// SweepStale deletes participants not seen within ttl.
func (r *PresenceRegistry) SweepStale(ctx context.Context, ttl time.Duration) (int, error) {
	return SweepStalePresence(ctx, r.store, r.clock, r.table.Room, ttl)
}

// Reset drops the cache and every listener.
func (r *PresenceRegistry) Reset() {
	r.listeners.clear()
	r.mu.Lock()
	r.participants = make(map[string]Participant)
	r.touched = make(map[string]uint64)
	r.mu.Unlock()
}

func (r *PresenceRegistry) set(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.participants[p.UserID]; ok && cur.LastSeen.After(p.LastSeen) {
		return
	}
	r.seq++
	r.touched[p.UserID] = r.seq
	r.participants[p.UserID] = p
}

func (r *PresenceRegistry) remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.touched[userID] = r.seq
	if _, ok := r.participants[userID]; !ok {
		return false
	}
	delete(r.participants, userID)
	return true
}

func (r *PresenceRegistry) notify() {
	r.listeners.emit(r.Participants)
}

func queryParticipants(ctx context.Context, st store.Reader, table store.Table) ([]Participant, error) {
	records, err := st.Query(ctx, table, store.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	out := make([]Participant, 0, len(records))
	for _, rec := range records {
		var p Participant
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			continue
		}
		if p.UserID == "" {
			p.UserID = rec.Key
		}
		out = append(out, p)
	}
	return out, nil
}

// SweepStalePresence deletes presence records in room whose last_seen is
// older than ttl. It returns how many were removed.
func SweepStalePresence(ctx context.Context, st store.Store, clk clock.Clock, room string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	table := store.Presence(room)
	participants, err := queryParticipants(ctx, st, table)
	if err != nil {
		return 0, err
	}
	cutoff := clk.Now().Add(-ttl)
	removed := 0
	for _, p := range participants {
		if !p.LastSeen.Before(cutoff) {
			continue
		}
		if err := st.Delete(ctx, table, p.UserID); err != nil {
			return removed, writeError("presence.sweep", err)
		}
		removed++
	}
	return removed, nil
}

// SweepStaleTyping deletes typing records in room not refreshed within ttl.
func SweepStaleTyping(ctx context.Context, st store.Store, clk clock.Clock, room string, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	table := store.Typing(room)
	records, err := st.Query(ctx, table, store.QueryOptions{})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", table, err)
	}
	cutoff := clk.Now().Add(-ttl)
	removed := 0
	for _, rec := range records {
		var sig TypingSignal
		if err := json.Unmarshal(rec.Data, &sig); err != nil || !sig.RefreshedAt.Before(cutoff) {
			continue
		}
		if err := st.Delete(ctx, table, rec.Key); err != nil {
			return removed, writeError("typing.sweep", err)
		}
		removed++
	}
	return removed, nil
}
