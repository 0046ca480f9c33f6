package core

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs keyed one-shot tasks and periodic ticks on a clock.
// Rescheduling a key replaces the pending task; a replaced or cancelled
// task never runs, even if its timer already fired.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	gen     uint64
	tasks   map[string]task
	tickers map[uint64]func()
}

type task struct {
	gen   uint64
	timer *clock.Timer
}

// NewScheduler creates a scheduler driven by clk.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:   clk,
		tasks:   make(map[string]task),
		tickers: make(map[uint64]func()),
	}
}

// Schedule runs fn once after d unless the key is rescheduled or cancelled first.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.tasks[key] = task{
		gen:   gen,
		timer: s.clock.AfterFunc(d, func() { s.fire(key, gen, fn) }),
	}
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.mu.Unlock()

	fn()
}

// Cancel drops the pending task for key and reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	delete(s.tasks, key)
	t.timer.Stop()
	return true
}

// Every calls fn on each tick of period d until the returned stop is called
// or Stop is called. A non-positive period schedules nothing.
func (s *Scheduler) Every(d time.Duration, fn func()) (stop func()) {
	if d <= 0 {
		return func() {}
	}

	ticker := s.clock.Ticker(d)
	done := make(chan struct{})
	var once sync.Once
	halt := func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}

	s.mu.Lock()
	s.gen++
	id := s.gen
	s.tickers[id] = halt
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	return func() {
		s.mu.Lock()
		delete(s.tickers, id)
		s.mu.Unlock()
		halt()
	}
}

// Stop cancels every pending task and ticker. The scheduler stays usable.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	tickers := s.tickers
	s.tasks = make(map[string]task)
	s.tickers = make(map[uint64]func())
	s.mu.Unlock()

	for _, t := range tasks {
		t.timer.Stop()
	}
	for _, halt := range tickers {
		halt()
	}
}

// Pending returns the number of scheduled one-shot tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
