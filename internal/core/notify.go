package core

import "sync"

// listeners fans a state snapshot out to registered callbacks.
// Emissions are serialized so callbacks never observe an older snapshot after
// a newer one. Callbacks must not call back into the emitting component.
type listeners[T any] struct {
	emitMu sync.Mutex

	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// subscribe registers fn and pushes the current state to it.
func (l *listeners[T]) subscribe(fn func(T), current func() T) (cancel func()) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	if current != nil {
		fn(current())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// emit takes a snapshot and hands it to every listener.
func (l *listeners[T]) emit(snapshot func() T) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	l.mu.Lock()
	if len(l.fns) == 0 {
		l.mu.Unlock()
		return
	}
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	v := snapshot()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
