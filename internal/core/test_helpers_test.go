package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/memory"
)

var errInjected = errors.New("injected failure")

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testRoomConfig() config.Room {
	cfg := config.DefaultRoom()
	cfg.HeartbeatInterval = 0
	cfg.ReapInterval = 0
	return cfg
}

func newTestSession(t *testing.T, st store.Store, clk clock.Clock, room string) *Session {
	t.Helper()
	s := NewSession(room, st, clk, testRoomConfig(), testLogger())
	t.Cleanup(s.Terminate)
	return s
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind, match func(*Event) bool) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func names(ps []Participant) map[string]bool {
	out := make(map[string]bool, len(ps))
	for _, p := range ps {
		out[p.DisplayName] = true
	}
	return out
}

// flakyStore fails selected operations on demand.
type flakyStore struct {
	store.Store
	failInsert atomic.Bool
	failUpsert atomic.Bool
	failDelete atomic.Bool
	failQuery  atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.New()}
}

func (f *flakyStore) Insert(ctx context.Context, table store.Table, key string, data []byte) error {
	if f.failInsert.Load() {
		return errInjected
	}
	return f.Store.Insert(ctx, table, key, data)
}

func (f *flakyStore) Upsert(ctx context.Context, table store.Table, key string, data []byte) error {
	if f.failUpsert.Load() {
		return errInjected
	}
	return f.Store.Upsert(ctx, table, key, data)
}

func (f *flakyStore) Delete(ctx context.Context, table store.Table, key string) error {
	if f.failDelete.Load() {
		return errInjected
	}
	return f.Store.Delete(ctx, table, key)
}

func (f *flakyStore) Query(ctx context.Context, table store.Table, opts store.QueryOptions) ([]store.Record, error) {
	if f.failQuery.Load() {
		return nil, errInjected
	}
	return f.Store.Query(ctx, table, opts)
}
