package store

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by store implementations.
var (
	// ErrConflict is returned by Insert when the key already exists.
	ErrConflict = errors.New("record already exists")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// TableKind names one of the room-scoped tables the coordinator uses.
type TableKind string

const (
	TableKindPresence TableKind = "presence"
	TableKindTyping   TableKind = "typing"
	TableKindMessages TableKind = "messages"
)

// Table identifies a table within a room.
type Table struct {
	Room string
	Kind TableKind
}

// Presence returns the presence table of a room.
func Presence(room string) Table { return Table{Room: room, Kind: TableKindPresence} }

// Typing returns the typing table of a room.
func Typing(room string) Table { return Table{Room: room, Kind: TableKindTyping} }

// Messages returns the messages table of a room.
func Messages(room string) Table { return Table{Room: room, Kind: TableKindMessages} }

func (t Table) String() string {
	return fmt.Sprintf("%s.%s", t.Room, t.Kind)
}

// Op describes what happened to a record.
type Op int

const (
	// OpInsert reports a new record.
	OpInsert Op = iota
	// OpUpdate reports an overwritten record.
	OpUpdate
	// OpDelete reports a removed record. Data may be nil.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Record is a stored row: an opaque JSON document under a key.
type Record struct {
	Key  string
	Data []byte
}

// Change is a single notification fanned out to table subscribers.
type Change struct {
	Table Table
	Op    Op
	Key   string
	Data  []byte
}

// Handler consumes change notifications. It may be invoked from any goroutine
// and must not block for long.
type Handler func(Change)

// Unsubscribe stops a subscription. Calling it more than once is safe.
type Unsubscribe func()

// QueryOptions narrows a point-in-time read.
type QueryOptions struct {
	// Match keeps only records whose top-level JSON field equals a value.
	Match *Match
	// Limit keeps the most recent N matching records. Zero means all.
	Limit int
}

// Writer handles durable writes.
type Writer interface {
	// Upsert inserts or overwrites the record under key.
	Upsert(ctx context.Context, table Table, key string, data []byte) error

	// Insert adds a new record. Returns ErrConflict if key exists.
	Insert(ctx context.Context, table Table, key string, data []byte) error

	// Delete removes the record under key. Missing keys are not an error.
	Delete(ctx context.Context, table Table, key string) error
}

// Reader handles point-in-time reads.
type Reader interface {
	// Query returns records oldest first.
	Query(ctx context.Context, table Table, opts QueryOptions) ([]Record, error)
}

// Notifier fans out changes to subscribers.
type Notifier interface {
	// Subscribe registers handler for changes on table.
	// Delivery is at-least-once with no ordering guarantee across tables.
	Subscribe(ctx context.Context, table Table, handler Handler) (Unsubscribe, error)
}

// Store aggregates the substrate interfaces.
type Store interface {
	Writer
	Reader
	Notifier

	// Close releases the underlying connection.
	Close() error
}
