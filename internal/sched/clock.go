// Package sched provides the timing primitives the sync engine builds its
// coalescing behavior on: an injectable clock and a keyed trailing-edge
// debouncer. Components never touch package time directly for debounce or
// window logic, so tests drive everything with the simulated clock instead
// of wall-clock sleeps.
package sched

import "time"

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock abstracts time observation and deferred execution.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// systemClock delegates to package time.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the real wall-clock Clock.
func System() Clock { return systemClock{} }
