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

// TypingTracker derives self-expiring typing signals from input activity and
// merges peers' signals into a visible set.
type TypingTracker struct {
	table   store.Table
	store   store.Store
	clock   clock.Clock
	sched   *Scheduler
	log     *zerolog.Logger
	ttl     time.Duration
	refresh time.Duration

	mu    sync.Mutex
	self  string
	gen   uint64
	local map[string]*localSignal
	peers map[string]peerSignal

	listeners listeners[[]TypingSignal]
}

type localSignal struct {
	sig         TypingSignal
	announcedAt time.Time
	gen         uint64
}

type peerSignal struct {
	sig    TypingSignal
	seenAt time.Time
}

// NewTypingTracker creates a tracker whose expiry tasks run on sched.
func NewTypingTracker(room string, st store.Store, clk clock.Clock, sched *Scheduler, ttl, refresh time.Duration, logger *zerolog.Logger) *TypingTracker {
	return &TypingTracker{
		table:   store.Typing(room),
		store:   st,
		clock:   clk,
		sched:   sched,
		log:     logger,
		ttl:     ttl,
		refresh: refresh,
		local:   make(map[string]*localSignal),
		peers:   make(map[string]peerSignal),
	}
}

// SetSelf names the user whose own signal is never rendered.
func (t *TypingTracker) SetSelf(userID string) {
	t.mu.Lock()
	t.self = userID
	delete(t.peers, userID)
	t.mu.Unlock()
}

// NotifyActivity records a keystroke. A new signal is announced at once; a
// live one is re-announced once the last announce is older than the refresh
// interval. The expiry task is restarted on every call.
func (t *TypingTracker) NotifyActivity(ctx context.Context, userID, displayName string) error {
	now := t.clock.Now().UTC()

	t.mu.Lock()
	ls, ok := t.local[userID]
	if !ok {
		ls = &localSignal{sig: TypingSignal{UserID: userID, StartedAt: now}}
		t.local[userID] = ls
	}
	announce := !ok || ls.announcedAt.IsZero() || now.Sub(ls.announcedAt) >= t.refresh
	ls.sig.DisplayName = displayName
	ls.sig.RefreshedAt = now
	if announce {
		ls.announcedAt = now
	}
	t.gen++
	ls.gen = t.gen
	gen := ls.gen
	sig := ls.sig
	t.mu.Unlock()

	t.sched.Schedule(typingTaskKey(userID), t.ttl, func() { t.expire(userID, gen) })

	if !announce {
		return nil
	}
	if err := t.upsert(ctx, sig); err != nil {
		// Retry on the next keystroke; the expiry task still clears local state.
		t.mu.Lock()
		if cur, ok := t.local[userID]; ok && cur == ls {
			ls.announcedAt = time.Time{}
		}
		t.mu.Unlock()
		return writeError("typing.announce", err)
	}
	return nil
}

// StopExplicit cancels the expiry task and withdraws the signal now.
func (t *TypingTracker) StopExplicit(ctx context.Context, userID string) error {
	t.sched.Cancel(typingTaskKey(userID))

	t.mu.Lock()
	_, ok := t.local[userID]
	delete(t.local, userID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := t.store.Delete(ctx, t.table, userID); err != nil {
		return writeError("typing.stop", err)
	}
	return nil
}

func (t *TypingTracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	ls, ok := t.local[userID]
	if !ok || ls.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.local, userID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := t.store.Delete(ctx, t.table, userID); err != nil {
		t.log.Warn().Err(err).Str("room", t.table.Room).Str("user_id", userID).Msg("typing withdraw failed")
	}

	// A keystroke between dropping the local signal and the delete announced
	// a new one that the delete just removed at peers.
	t.mu.Lock()
	cur, ok := t.local[userID]
	var sig TypingSignal
	if ok {
		cur.announcedAt = t.clock.Now().UTC()
		sig = cur.sig
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.upsert(ctx, sig); err != nil {
		t.mu.Lock()
		if t.local[userID] == cur {
			cur.announcedAt = time.Time{}
		}
		t.mu.Unlock()
		t.log.Warn().Err(err).Str("room", t.table.Room).Str("user_id", userID).Msg("typing re-announce failed")
	}
}

func (t *TypingTracker) upsert(ctx context.Context, sig TypingSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode typing: %w", err)
	}
	return t.store.Upsert(ctx, t.table, sig.UserID, data)
}

// Apply merges a peer's change notification.
func (t *TypingTracker) Apply(c Change) {
	if c.Typing == nil {
		return
	}
	changed := false

	t.mu.Lock()
	switch c.Op {
	case ChangeInserted, ChangeUpdated:
		if c.Typing.UserID != t.self {
			t.peers[c.Typing.UserID] = peerSignal{sig: *c.Typing, seenAt: t.clock.Now()}
			changed = true
		}
	case ChangeDeleted:
		if _, ok := t.peers[c.Key]; ok {
			delete(t.peers, c.Key)
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// Sweep drops peer signals not refreshed within the ttl. It heals lost
// delete notifications.
func (t *TypingTracker) Sweep() {
	now := t.clock.Now()
	removed := 0

	t.mu.Lock()
	for user, ps := range t.peers {
		if now.Sub(ps.seenAt) >= t.ttl {
			delete(t.peers, user)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.log.Debug().Str("room", t.table.Room).Int("count", removed).Msg("swept typing signals")
		t.notify()
	}
}

// Typing returns the visible set sorted by display name.
func (t *TypingTracker) Typing() []TypingSignal {
	t.mu.Lock()
	out := make([]TypingSignal, 0, len(t.peers))
	for user, ps := range t.peers {
		if user == t.self {
			continue
		}
		out = append(out, ps.sig)
	}
	t.mu.Unlock()

	sortTyping(out)
	return out
}

// Active reports whether userID has a local signal.
func (t *TypingTracker) Active(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[userID]
	return ok
}

// OnChange registers cb for the visible set, pushing the current one first.
func (t *TypingTracker) OnChange(cb func([]TypingSignal)) (cancel func()) {
	return t.listeners.subscribe(cb, t.Typing)
}

// Close cancels pending expiry tasks without announcing and drops all state.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	users := make([]string, 0, len(t.local))
	for user := range t.local {
		users = append(users, user)
	}
	t.local = make(map[string]*localSignal)
	t.peers = make(map[string]peerSignal)
	t.self = ""
	t.mu.Unlock()

	for _, user := range users {
		t.sched.Cancel(typingTaskKey(user))
	}
	t.listeners.clear()
}

func (t *TypingTracker) notify() {
	t.listeners.emit(t.Typing)
}

func typingTaskKey(userID string) string {
	return "typing:" + userID
}
