package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// ChangeOp is what happened to an entity.
type ChangeOp int

const (
	ChangeInserted ChangeOp = iota
	ChangeUpdated
	ChangeDeleted
)

func (o ChangeOp) String() string {
	switch o {
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("change(%d)", int(o))
	}
}

// Change is a decoded substrate notification. Exactly one of Participant,
// Typing or Message is set, selected by Kind. Deletes without a payload carry
// an entity holding only its key.
type Change struct {
	Op   ChangeOp
	Kind store.TableKind
	Key  string

	Participant *Participant
	Typing      *TypingSignal
	Message     *Message
}

// DecodeChange turns a raw store change into a typed one.
func DecodeChange(c store.Change) (Change, error) {
	out := Change{Kind: c.Table.Kind, Key: c.Key}
	switch c.Op {
	case store.OpInsert:
		out.Op = ChangeInserted
	case store.OpUpdate:
		out.Op = ChangeUpdated
	case store.OpDelete:
		out.Op = ChangeDeleted
	default:
		return Change{}, fmt.Errorf("decode %s/%s: unknown op %v", c.Table, c.Key, c.Op)
	}

	switch c.Table.Kind {
	case store.TableKindPresence:
		var p Participant
		if err := decodeEntity(c, &p); err != nil {
			return Change{}, err
		}
		if p.UserID == "" {
			p.UserID = c.Key
		}
		out.Participant = &p
	case store.TableKindTyping:
		var t TypingSignal
		if err := decodeEntity(c, &t); err != nil {
			return Change{}, err
		}
		if t.UserID == "" {
			t.UserID = c.Key
		}
		out.Typing = &t
	case store.TableKindMessages:
		var m Message
		if err := decodeEntity(c, &m); err != nil {
			return Change{}, err
		}
		if m.ID == "" {
			m.ID = c.Key
		}
		out.Message = &m
	default:
		return Change{}, fmt.Errorf("decode %s/%s: unknown table kind %q", c.Table, c.Key, c.Table.Kind)
	}
	return out, nil
}

func decodeEntity(c store.Change, v any) error {
	if len(c.Data) == 0 {
		if c.Op == store.OpDelete {
			return nil
		}
		return fmt.Errorf("decode %s/%s: %w", c.Table, c.Key, errors.New("empty payload"))
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", c.Table, c.Key, err)
	}
	return nil
}
