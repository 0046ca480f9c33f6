package core

import (
	"testing"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

func TestDecodeChange(t *testing.T) {
	tests := []struct {
		name    string
		in      store.Change
		wantErr bool
		check   func(t *testing.T, c Change)
	}{
		{
			name: "participant insert",
			in: store.Change{
				Table: store.Presence("general"), Op: store.OpInsert, Key: "u1",
				Data: []byte(`{"user_id":"u1","display_name":"Alice","last_seen":"2024-01-01T00:00:00Z"}`),
			},
			check: func(t *testing.T, c Change) {
				if c.Op != ChangeInserted || c.Participant == nil || c.Participant.DisplayName != "Alice" {
					t.Fatalf("unexpected change: %+v", c)
				}
			},
		},
		{
			name: "typing update",
			in: store.Change{
				Table: store.Typing("general"), Op: store.OpUpdate, Key: "u2",
				Data: []byte(`{"user_id":"u2","display_name":"Bob"}`),
			},
			check: func(t *testing.T, c Change) {
				if c.Op != ChangeUpdated || c.Typing == nil || c.Typing.UserID != "u2" {
					t.Fatalf("unexpected change: %+v", c)
				}
			},
		},
		{
			name: "message delete without payload",
			in:   store.Change{Table: store.Messages("general"), Op: store.OpDelete, Key: "m1"},
			check: func(t *testing.T, c Change) {
				if c.Op != ChangeDeleted || c.Message == nil || c.Message.ID != "m1" {
					t.Fatalf("unexpected change: %+v", c)
				}
			},
		},
		{
			name:    "insert without payload",
			in:      store.Change{Table: store.Messages("general"), Op: store.OpInsert, Key: "m1"},
			wantErr: true,
		},
		{
			name:    "malformed payload",
			in:      store.Change{Table: store.Presence("general"), Op: store.OpInsert, Key: "u1", Data: []byte(`{`)},
			wantErr: true,
		},
		{
			name:    "unknown table",
			in:      store.Change{Table: store.Table{Room: "general", Kind: "votes"}, Op: store.OpInsert, Key: "x", Data: []byte(`{}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeChange(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", c)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, c)
		})
	}
}
