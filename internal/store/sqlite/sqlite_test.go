package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertPublishesInsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := store.Presence("general")

	var changes []store.Change
	unsub, err := s.Subscribe(ctx, table, func(c store.Change) { changes = append(changes, c) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := s.Upsert(ctx, table, "u1", []byte(`{"user_id":"u1","display_name":"Alice"}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, table, "u1", []byte(`{"user_id":"u1","display_name":"Bob"}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Op != store.OpInsert || changes[1].Op != store.OpUpdate {
		t.Fatalf("unexpected ops: %v, %v", changes[0].Op, changes[1].Op)
	}

	records, err := s.Query(ctx, table, store.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 || string(records[0].Data) != `{"user_id":"u1","display_name":"Bob"}` {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestInsertConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := store.Messages("general")

	if err := s.Insert(ctx, table, "m1", []byte(`{"id":"m1"}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, table, "m1", []byte(`{"id":"m1"}`)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTablesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, store.Presence("general"), "u1", []byte(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, store.Presence("random"), "u2", []byte(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, store.Typing("general"), "u3", []byte(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	records, err := s.Query(ctx, store.Presence("general"), store.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 || records[0].Key != "u1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := store.Typing("general")

	var ops []store.Op
	unsub, _ := s.Subscribe(ctx, table, func(c store.Change) { ops = append(ops, c.Op) })
	defer unsub()

	if err := s.Delete(ctx, table, "ghost"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected no change for missing key, got %v", ops)
	}

	_ = s.Upsert(ctx, table, "u1", []byte(`{"user_id":"u1"}`))
	if err := s.Delete(ctx, table, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(ops) != 2 || ops[1] != store.OpDelete {
		t.Fatalf("unexpected ops: %v", ops)
	}

	records, _ := s.Query(ctx, table, store.QueryOptions{})
	if len(records) != 0 {
		t.Fatalf("expected empty table, got %+v", records)
	}
}

func TestQueryLimitKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	table := store.Messages("general")

	for i := 1; i <= 5; i++ {
		user := "u1"
		if i%2 == 0 {
			user = "u2"
		}
		key := fmt.Sprintf("m%d", i)
		if err := s.Insert(ctx, table, key, []byte(`{"user_id":"`+user+`"}`)); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
	}

	tests := []struct {
		name     string
		opts     store.QueryOptions
		expected []string
	}{
		{
			name:     "all",
			opts:     store.QueryOptions{},
			expected: []string{"m1", "m2", "m3", "m4", "m5"},
		},
		{
			name:     "last two",
			opts:     store.QueryOptions{Limit: 2},
			expected: []string{"m4", "m5"},
		},
		{
			name:     "match u1",
			opts:     store.QueryOptions{Match: store.MatchField("user_id", "u1")},
			expected: []string{"m1", "m3", "m5"},
		},
		{
			name:     "match u2 limit 1",
			opts:     store.QueryOptions{Match: store.MatchField("user_id", "u2"), Limit: 1},
			expected: []string{"m4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.Query(ctx, table, tt.opts)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(records) != len(tt.expected) {
				t.Fatalf("expected %d records, got %d", len(tt.expected), len(records))
			}
			for i, r := range records {
				if r.Key != tt.expected[i] {
					t.Errorf("expected %s at index %d, got %s", tt.expected[i], i, r.Key)
				}
			}
		})
	}
}
