// Package clock provides monotonic time and cancellable scheduled
// callbacks, tracked in a per-owner table so termination is
// deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock is the monotonic time source. The default implementation wraps
// time.Now; tests may substitute a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real is the process-wide wall-clock Clock.
var Real Clock = realClock{}

// Timers owns a set of cancellable, named timers for a single owner
// (e.g. one connector). Closing Timers cancels every outstanding timer.
type Timers struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	tickers map[string]*time.Ticker
	closed  bool
}

// NewTimers creates an empty timer table for one owner.
func NewTimers() *Timers {
	return &Timers{
		timers:  make(map[string]*time.Timer),
		tickers: make(map[string]*time.Ticker),
	}
}

// After schedules fn to run after d, under the given name. A prior timer
// registered under the same name is cancelled first (re-arming semantics
// used by keepalive deadlines).
func (t *Timers) After(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if existing, ok := t.timers[name]; ok {
		existing.Stop()
	}
	t.timers[name] = time.AfterFunc(d, fn)
}

// Every schedules fn to run on each tick of d, under the given name,
// until Cancel(name) or Close is called.
func (t *Timers) Every(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if existing, ok := t.tickers[name]; ok {
		existing.Stop()
	}
	ticker := time.NewTicker(d)
	t.tickers[name] = ticker
	t.mu.Unlock()

	go func() {
		for range ticker.C {
			fn()
		}
	}()
}

// Cancel stops the named timer or ticker, if any.
func (t *Timers) Cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[name]; ok {
		timer.Stop()
		delete(t.timers, name)
	}
	if ticker, ok := t.tickers[name]; ok {
		ticker.Stop()
		delete(t.tickers, name)
	}
}

// Active reports whether a timer or ticker is registered under name.
func (t *Timers) Active(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, hasTimer := t.timers[name]
	_, hasTicker := t.tickers[name]
	return hasTimer || hasTicker
}

// Close cancels every outstanding timer and ticker. Idempotent.
func (t *Timers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, timer := range t.timers {
		timer.Stop()
	}
	for _, ticker := range t.tickers {
		ticker.Stop()
	}
	t.timers = nil
	t.tickers = nil
}
