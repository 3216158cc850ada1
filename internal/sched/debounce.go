package sched

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of calls into one trailing invocation per key.
// Each key holds at most one pending timer; re-arming a key cancels the
// pending timer and starts a new one, so only the last call within a quiet
// period executes. Keys are disjoint (per-conversation, per-canvas), so no
// cross-key coordination happens.
type Debouncer struct {
	clock Clock
	delay time.Duration

	mu      sync.Mutex
	pending map[string]Timer
}

// NewDebouncer builds a Debouncer firing fn delay after the last Trigger for
// a key. A nil clock defaults to the system clock.
func NewDebouncer(clock Clock, delay time.Duration) *Debouncer {
	if clock == nil {
		clock = System()
	}
	return &Debouncer{
		clock:   clock,
		delay:   delay,
		pending: make(map[string]Timer),
	}
}

// Trigger schedules fn to run after the debounce delay, replacing any timer
// already pending for key. fn runs on the clock's timer goroutine.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[key]; ok {
		t.Stop()
	}
	d.pending[key] = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending invocation for key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[key]; ok {
		t.Stop()
		delete(d.pending, key)
	}
}

// CancelAll drops every pending invocation. Used on teardown.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.pending {
		t.Stop()
		delete(d.pending, k)
	}
}

// Pending reports whether key has an armed timer.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}
