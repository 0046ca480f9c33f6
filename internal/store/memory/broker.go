package memory

import (
	"sync"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// Broker fans out changes to in-process subscribers.
// Handlers run on the publisher's goroutine after the broker lock is released.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[store.Table]map[uint64]store.Handler
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[store.Table]map[uint64]store.Handler),
	}
}

// Subscribe registers handler for table.
func (b *Broker) Subscribe(table store.Table, handler store.Handler) store.Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[table] == nil {
		b.subs[table] = make(map[uint64]store.Handler)
	}
	b.subs[table][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[table], id)
			if len(b.subs[table]) == 0 {
				delete(b.subs, table)
			}
		})
	}
}

// Publish delivers change to every subscriber of its table.
func (b *Broker) Publish(change store.Change) {
	b.mu.RLock()
	handlers := make([]store.Handler, 0, len(b.subs[change.Table]))
	for _, h := range b.subs[change.Table] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}

// Subscribers returns how many handlers are registered for table.
func (b *Broker) Subscribers(table store.Table) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[table])
}
