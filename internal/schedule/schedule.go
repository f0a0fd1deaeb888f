package schedule

import (
	"sync"
	"time"
)

// Timers is a set of cancellable one-shot timers keyed by string. Resetting a
// key supersedes any pending timer for it, so at most one callback is ever
// outstanding per key. Used for typing expiry and code-update coalescing,
// each with its own key prefix.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func NewTimers() *Timers {
	return &Timers{
		pending: make(map[string]*time.Timer),
	}
}

// Schedules fn to run after d, replacing any pending timer for the same key.
// fn runs on its own goroutine and must not assume the key is still scheduled.
func (t *Timers) Reset(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if timer, ok := t.pending[key]; ok {
		timer.Stop()
	}
	// Stop on an already-fired timer is a no-op, so the old closure may still
	// run after this Reset. It checks it is still the registered timer for the
	// key before doing anything, which makes a superseded firing inert.
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.stopped || t.pending[key] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.mu.Unlock()
		fn()
	})
	t.pending[key] = timer
}

// Cancels the pending timer for key, if any; reports whether one was pending
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.pending[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, key)
	return true
}

// Pending reports whether a timer is outstanding for key.
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Stop cancels every pending timer and refuses new ones. Callbacks already
// fired may still be running.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for key, timer := range t.pending {
		timer.Stop()
		delete(t.pending, key)
	}
}
