package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/memory"
)

func TestSessionPresenceAndTypingScenario(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()

	alice := newTestSession(t, st, clk, "general")
	bob := newTestSession(t, st, clk, "general")

	if err := alice.Join(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bob.Join(ctx, "u2", "Bob"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	for _, s := range []*Session{alice, bob} {
		got := names(s.Presence.Participants())
		if len(got) != 2 || !got["Alice"] || !got["Bob"] {
			t.Fatalf("%s sees presence %v", s.UserID(), got)
		}
	}

	if err := alice.NotifyTyping(ctx, "u1", ""); err != nil {
		t.Fatalf("notify typing: %v", err)
	}
	typing := bob.Typing.Typing()
	if len(typing) != 1 || typing[0].DisplayName != "Alice" {
		t.Fatalf("bob sees typing %+v", typing)
	}
	if len(alice.Typing.Typing()) != 0 {
		t.Fatalf("alice must not see her own indicator")
	}

	clk.Add(2999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if len(bob.Typing.Typing()) != 1 {
		t.Fatalf("indicator cleared before quiet period elapsed")
	}

	clk.Add(time.Millisecond)
	eventually(t, func() bool { return len(bob.Typing.Typing()) == 0 }, "bob's typing set empties")
}

func TestSessionEchoDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()

	alice := newTestSession(t, st, clk, "general")
	bob := newTestSession(t, st, clk, "general")
	_ = alice.Join(ctx, "u1", "Alice")
	_ = bob.Join(ctx, "u2", "Bob")

	sent, err := alice.Send(ctx, "u1", "", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if alice.Messages.Len() != 1 || bob.Messages.Len() != 1 {
		t.Fatalf("expected one message each, got alice=%d bob=%d", alice.Messages.Len(), bob.Messages.Len())
	}

	clk.Add(400 * time.Millisecond)
	echo := Message{ID: "relay-1", UserID: "u1", DisplayName: "Alice", Body: "hello", CreatedAt: sent.CreatedAt.Add(400 * time.Millisecond)}
	data, _ := json.Marshal(echo)
	if err := st.Insert(ctx, store.Messages("general"), echo.ID, data); err != nil {
		t.Fatalf("relay insert: %v", err)
	}

	got := alice.Messages.Snapshot()
	if len(got) != 1 || got[0].Body != "hello" {
		t.Fatalf("expected [hello], got %+v", got)
	}
}

func TestSessionRepeatedBodiesConverge(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()

	alice := newTestSession(t, st, clk, "general")
	bob := newTestSession(t, st, clk, "general")
	_ = alice.Join(ctx, "u1", "Alice")
	_ = bob.Join(ctx, "u2", "Bob")

	for range 2 {
		if _, err := alice.Send(ctx, "u1", "", "ok"); err != nil {
			t.Fatalf("send: %v", err)
		}
		clk.Add(200 * time.Millisecond)
	}

	records, _ := st.Query(ctx, store.Messages("general"), store.QueryOptions{})
	if len(records) != 2 || alice.Messages.Len() != 2 || bob.Messages.Len() != 2 {
		t.Fatalf("expected 2 everywhere, got substrate=%d alice=%d bob=%d",
			len(records), alice.Messages.Len(), bob.Messages.Len())
	}

	carol := newTestSession(t, st, clk, "general")
	if err := carol.Join(ctx, "u3", "Carol"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if carol.Messages.Len() != 2 {
		t.Fatalf("history load should show 2 messages, got %d", carol.Messages.Len())
	}
}

func TestSessionSendStopsTyping(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()

	alice := newTestSession(t, st, clk, "general")
	bob := newTestSession(t, st, clk, "general")
	_ = alice.Join(ctx, "u1", "Alice")
	_ = bob.Join(ctx, "u2", "Bob")

	_ = alice.NotifyTyping(ctx, "u1", "")
	if _, err := alice.Send(ctx, "u1", "", "done"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bob.Typing.Typing()) != 0 {
		t.Fatalf("typing indicator should be withdrawn on send")
	}
}

func TestSessionLeaveThenStaleSend(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()

	alice := newTestSession(t, st, clk, "general")
	bob := newTestSession(t, st, clk, "general")
	_ = alice.Join(ctx, "u1", "Alice")
	_ = bob.Join(ctx, "u2", "Bob")
	_, _ = alice.Send(ctx, "u1", "", "bye")

	var calls atomic.Int32
	alice.SubscribePresence(func([]Participant) { calls.Add(1) })
	before := calls.Load()

	if err := alice.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if alice.State() != StateNotJoined {
		t.Fatalf("expected NotJoined, got %v", alice.State())
	}
	if calls.Load() != before {
		t.Fatalf("left session reacted to its own teardown")
	}

	if got := names(bob.Presence.Participants()); got["Alice"] {
		t.Fatalf("bob still sees alice: %v", got)
	}
	if bob.Messages.Len() != 0 {
		t.Fatalf("alice's messages should be wiped on leave")
	}

	if _, err := alice.Send(ctx, "u1", "Alice", "still here?"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if err := alice.Leave(ctx); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("second leave: expected ErrNotJoined, got %v", err)
	}
}

func TestSessionDoubleJoin(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, memory.New(), clock.NewMock(), "general")

	if err := s.Join(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Join(ctx, "u1", "Alice"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestSessionRequiresMatchingUser(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, memory.New(), clock.NewMock(), "general")
	_ = s.Join(ctx, "u1", "Alice")

	if err := s.NotifyTyping(ctx, "u2", "Mallory"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestSessionJoinFailureUnwinds(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore()
	st.failQuery.Store(true)
	s := newTestSession(t, st, clock.NewMock(), "general")

	if err := s.Join(ctx, "u1", "Alice"); err == nil {
		t.Fatalf("expected join failure")
	}
	if s.State() != StateNotJoined {
		t.Fatalf("expected NotJoined after failure, got %v", s.State())
	}
	if n := st.Store.(*memory.Store).Broker().Subscribers(store.Presence("general")); n != 0 {
		t.Fatalf("subscriptions leaked: %d", n)
	}

	st.failQuery.Store(false)
	records, _ := st.Query(ctx, store.Presence("general"), store.QueryOptions{})
	if len(records) != 0 {
		t.Fatalf("presence record left behind: %+v", records)
	}

	if err := s.Join(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("rejoin after failure: %v", err)
	}
}

func TestSessionSubscribePushesCurrentState(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()
	alice := newTestSession(t, st, clk, "general")
	_ = alice.Join(ctx, "u1", "Alice")
	_, _ = alice.Send(ctx, "u1", "", "first")

	var msgs [][]Message
	sub := alice.SubscribeMessages(func(ms []Message) { msgs = append(msgs, ms) })
	if len(msgs) != 1 || len(msgs[0]) != 1 {
		t.Fatalf("expected current state on subscribe, got %+v", msgs)
	}

	sub.Cancel()
	_, _ = alice.Send(ctx, "u1", "", "second")
	if len(msgs) != 1 {
		t.Fatalf("cancelled subscription still notified")
	}
}

func TestSessionRenameVisibleToPeers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()
	alice := newTestSession(t, st, clk, "general")
	bob := newTestSession(t, st, clk, "general")
	_ = alice.Join(ctx, "u1", "Alice")
	_ = bob.Join(ctx, "u2", "Bob")

	if err := alice.Rename(ctx, "u1", "Ally"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := names(bob.Presence.Participants()); !got["Ally"] || got["Alice"] || len(got) != 2 {
		t.Fatalf("bob sees %v", got)
	}
	if alice.DisplayName() != "Ally" {
		t.Fatalf("session display name not updated")
	}
}

func TestSessionPeriodicHeartbeat(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()
	cfg := testRoomConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	s := NewSession("general", st, clk, cfg, testLogger())
	t.Cleanup(s.Terminate)

	if err := s.Join(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	clk.Add(30 * time.Second)

	want := clk.Now().UTC()
	eventually(t, func() bool {
		ps := s.Presence.Participants()
		return len(ps) == 1 && ps[0].LastSeen.Equal(want)
	}, "heartbeat refreshed last_seen")
}

func TestSessionHeartbeatRestoresReapedPresence(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore()
	clk := clock.NewMock()
	cfg := testRoomConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	s := NewSession("general", st, clk, cfg, testLogger())
	t.Cleanup(s.Terminate)

	if err := s.Join(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Heartbeats fail long enough for the record to go stale and be reaped.
	st.failUpsert.Store(true)
	for range 5 {
		clk.Add(30 * time.Second)
	}
	reaped, err := SweepStalePresence(ctx, st, clk, "general", 2*time.Minute)
	if err != nil || reaped != 1 {
		t.Fatalf("expected one reaped participant, got %d (%v)", reaped, err)
	}
	if len(s.Presence.Participants()) != 0 {
		t.Fatalf("reap should evict the cached participant")
	}
	if s.State() != StateActive {
		t.Fatalf("expected active session, got %v", s.State())
	}

	st.failUpsert.Store(false)
	eventually(t, func() bool {
		clk.Add(30 * time.Second)
		records, _ := st.Query(ctx, store.Presence("general"), store.QueryOptions{})
		ps := s.Presence.Participants()
		return len(records) == 1 && len(ps) == 1 && ps[0].DisplayName == "Alice"
	}, "heartbeat re-announced presence")
}

func TestSessionHeartbeatRestoresDeletedRecord(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()
	cfg := testRoomConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	s := NewSession("general", st, clk, cfg, testLogger())
	t.Cleanup(s.Terminate)

	if err := s.Join(ctx, "u1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Rename(ctx, "u1", "Alicia"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	// Another tab of the same user leaving removes the shared record.
	if err := st.Delete(ctx, store.Presence("general"), "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	eventually(t, func() bool { return len(s.Presence.Participants()) == 0 }, "delete evicted cache")

	eventually(t, func() bool {
		clk.Add(30 * time.Second)
		ps := s.Presence.Participants()
		return len(ps) == 1 && ps[0].DisplayName == "Alicia"
	}, "heartbeat restored presence with current name")
}

func TestSessionTerminateCleansUp(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	s := NewSession("general", st, clock.NewMock(), testRoomConfig(), testLogger())
	_ = s.Join(ctx, "u1", "Alice")

	s.Terminate()

	records, _ := st.Query(ctx, store.Presence("general"), store.QueryOptions{})
	if len(records) != 0 {
		t.Fatalf("terminate left presence behind")
	}
	s.Terminate()
}
