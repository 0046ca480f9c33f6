// Package memory implements store.Store in process memory.
// It is used by tests and by single-node deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

type row struct {
	seq  uint64
	data []byte
}

// Store implements store.Store with maps guarded by a mutex.
type Store struct {
	mu     sync.Mutex
	seq    uint64
	tables map[store.Table]map[string]row
	closed bool
	broker *Broker
}

// New creates an empty memory store.
func New() *Store {
	return &Store{
		tables: make(map[store.Table]map[string]row),
		broker: NewBroker(),
	}
}

// Broker exposes the fan-out used by this store.
func (s *Store) Broker() *Broker {
	return s.broker
}

// Upsert inserts or overwrites key. Overwrites keep the original position.
func (s *Store) Upsert(_ context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	rows := s.tableLocked(table)
	op := store.OpInsert
	r, exists := rows[key]
	if exists {
		op = store.OpUpdate
	} else {
		s.seq++
		r.seq = s.seq
	}
	r.data = clone(data)
	rows[key] = r
	s.mu.Unlock()

	s.broker.Publish(store.Change{Table: table, Op: op, Key: key, Data: clone(data)})
	return nil
}

// Insert adds key or returns store.ErrConflict.
func (s *Store) Insert(_ context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	rows := s.tableLocked(table)
	if _, exists := rows[key]; exists {
		s.mu.Unlock()
		return store.ErrConflict
	}
	s.seq++
	rows[key] = row{seq: s.seq, data: clone(data)}
	s.mu.Unlock()

	s.broker.Publish(store.Change{Table: table, Op: store.OpInsert, Key: key, Data: clone(data)})
	return nil
}

// Delete removes key. Deleting a missing key publishes nothing.
func (s *Store) Delete(_ context.Context, table store.Table, key string) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	rows := s.tables[table]
	r, exists := rows[key]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(rows, key)
	s.mu.Unlock()

	s.broker.Publish(store.Change{Table: table, Op: store.OpDelete, Key: key, Data: r.data})
	return nil
}

// Query returns matching records in insertion order.
func (s *Store) Query(_ context.Context, table store.Table, opts store.QueryOptions) ([]store.Record, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	type keyed struct {
		key string
		row row
	}
	all := make([]keyed, 0, len(s.tables[table]))
	for k, r := range s.tables[table] {
		all = append(all, keyed{key: k, row: r})
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].row.seq < all[j].row.seq })

	records := make([]store.Record, 0, len(all))
	for _, kr := range all {
		records = append(records, store.Record{Key: kr.key, Data: clone(kr.row.data)})
	}
	return store.Select(records, opts), nil
}

// Subscribe registers handler for changes on table.
func (s *Store) Subscribe(_ context.Context, table store.Table, handler store.Handler) (store.Unsubscribe, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}
	return s.broker.Subscribe(table, handler), nil
}

// Close marks the store closed. Existing data is dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	return nil
}

func (s *Store) tableLocked(table store.Table) map[string]row {
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]row)
		s.tables[table] = rows
	}
	return rows
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
