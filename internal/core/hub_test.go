package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/memory"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	hub := NewHub(memory.New(), testRoomConfig(), clock.NewMock(), testLogger())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, cancel
}

func TestHubJoinBroadcastAndLeave(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	bob := NewClient("c2", "u2", "Bob")
	hub.RegisterClient(alice)
	hub.RegisterClient(bob)

	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	mustEvent(t, alice.Events, EventPresence, func(ev *Event) bool { return len(ev.Participants) == 1 })
	bob.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}

	ev := mustEvent(t, bob.Events, EventPresence, func(ev *Event) bool { return len(ev.Participants) == 2 })
	if got := names(ev.Participants); !got["Alice"] || !got["Bob"] || ev.Room != "general" {
		t.Fatalf("unexpected presence event: %+v", ev)
	}

	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Text: "hi"}
	msgEv := mustEvent(t, bob.Events, EventMessages, func(ev *Event) bool { return len(ev.Messages) == 1 })
	if m := msgEv.Messages[0]; m.Body != "hi" || m.UserID != "u1" || m.DisplayName != "Alice" {
		t.Fatalf("unexpected message event: %+v", msgEv)
	}

	alice.Commands <- &Command{Kind: CommandLeaveRoom, Room: "general"}
	leftEv := mustEvent(t, bob.Events, EventPresence, func(ev *Event) bool { return len(ev.Participants) == 1 })
	if leftEv.Participants[0].UserID != "u2" {
		t.Fatalf("unexpected presence after leave: %+v", leftEv)
	}
}

func TestHubDoubleJoinProducesError(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	hub.RegisterClient(alice)

	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}

	ev := mustEvent(t, alice.Events, EventError, nil)
	if ev.Error == nil || ev.Error.Code != ErrCodeAlreadyJoined {
		t.Fatalf("expected already_joined error, got %+v", ev)
	}
}

func TestHubSendWithoutJoinProducesError(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	hub.RegisterClient(alice)

	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Text: "hi"}

	ev := mustEvent(t, alice.Events, EventError, nil)
	if ev.Error == nil || ev.Error.Code != ErrCodeNotJoined {
		t.Fatalf("expected not_joined error, got %+v", ev)
	}
}

func TestHubEmptyMessageProducesBadRequest(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	hub.RegisterClient(alice)
	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Text: "  "}

	ev := mustEvent(t, alice.Events, EventError, nil)
	if ev.Error == nil || ev.Error.Code != ErrCodeBadRequest {
		t.Fatalf("expected bad_request error, got %+v", ev)
	}
}

func TestHubTypingFanOut(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	bob := NewClient("c2", "u2", "Bob")
	hub.RegisterClient(alice)
	hub.RegisterClient(bob)

	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	mustEvent(t, alice.Events, EventPresence, nil)
	bob.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	mustEvent(t, bob.Events, EventPresence, func(ev *Event) bool { return len(ev.Participants) == 2 })

	alice.Commands <- &Command{Kind: CommandTyping, Room: "general"}
	ev := mustEvent(t, bob.Events, EventTyping, func(ev *Event) bool { return len(ev.Typing) == 1 })
	if ev.Typing[0].DisplayName != "Alice" {
		t.Fatalf("unexpected typing event: %+v", ev)
	}
}

func TestHubUnregisterRunsTerminationHook(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	hub.RegisterClient(alice)
	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	mustEvent(t, alice.Events, EventPresence, nil)

	eventually(t, func() bool { return len(hub.Rooms()) == 1 }, "room registered")
	hub.UnregisterClient(alice)

	ps, err := hub.Presence(context.Background(), "general")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(ps) != 0 {
		t.Fatalf("termination hook left presence: %+v", ps)
	}
	if len(hub.Rooms()) != 0 {
		t.Fatalf("room not released: %v", hub.Rooms())
	}
}

func TestHubHistory(t *testing.T) {
	hub, _ := newTestHub(t)

	alice := NewClient("c1", "u1", "Alice")
	hub.RegisterClient(alice)
	alice.Commands <- &Command{Kind: CommandJoinRoom, Room: "general"}
	for _, text := range []string{"one", "two", "three"} {
		alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "general", Text: text}
	}
	mustEvent(t, alice.Events, EventMessages, func(ev *Event) bool { return len(ev.Messages) == 3 })

	msgs, err := hub.History(context.Background(), "general", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Body != "three" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestHubReapKeepsTypingWithinRefreshLag(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewMock()
	clk.Add(time.Hour)
	cfg := testRoomConfig()
	hub := NewHub(st, cfg, clk, testLogger())
	hub.known["general"] = struct{}{}

	now := clk.Now().UTC()
	seed := func(table store.Table, key string, v any) {
		data, _ := json.Marshal(v)
		if err := st.Upsert(ctx, table, key, data); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	// Last announced past the ttl but still inside the refresh lag.
	seed(store.Typing("general"), "u1", TypingSignal{UserID: "u1", RefreshedAt: now.Add(-cfg.TypingTTL - cfg.TypingRefresh/2)})
	seed(store.Typing("general"), "u2", TypingSignal{UserID: "u2", RefreshedAt: now.Add(-cfg.TypingTTL - cfg.TypingRefresh - time.Millisecond)})
	seed(store.Presence("general"), "u3", Participant{UserID: "u3", LastSeen: now.Add(-cfg.PresenceTTL - time.Second)})

	hub.reap(ctx)

	typing, _ := st.Query(ctx, store.Typing("general"), store.QueryOptions{})
	if len(typing) != 1 || typing[0].Key != "u1" {
		t.Fatalf("expected only u1 to survive, got %+v", typing)
	}
	presence, _ := st.Query(ctx, store.Presence("general"), store.QueryOptions{})
	if len(presence) != 0 {
		t.Fatalf("stale participant not reaped: %+v", presence)
	}
}
