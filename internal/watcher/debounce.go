package watcher

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of change events into a single trigger,
// fired once a quiet window elapses with no further events. Events
// arriving without a gap keep postponing the trigger: a file still
// actively being written is not worth rendering yet.
type Debouncer struct {
	window time.Duration
	fn     func()

	mutex   sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewDebouncer creates a debouncer that invokes fn on the timer
// goroutine after window of quiet following one or more Trigger calls.
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	return &Debouncer{window: window, fn: fn}
}

// Trigger records an event, restarting the quiet window. Returns true
// when a previously scheduled trigger was coalesced into this one.
// Each call replaces the pending timer with a fresh one rather than
// resetting it; a fire already racing the reset carries a stale
// generation and is discarded, so fn never runs twice for one window.
func (d *Debouncer) Trigger() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.stopped {
		return false
	}

	coalesced := d.timer != nil
	if coalesced {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
	return coalesced
}

func (d *Debouncer) fire(gen uint64) {
	d.mutex.Lock()
	if d.stopped || gen != d.gen {
		d.mutex.Unlock()
		return
	}
	d.timer = nil
	d.mutex.Unlock()

	d.fn()
}

// Stop cancels any pending trigger. Further Trigger calls are no-ops.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
