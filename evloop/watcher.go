// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evloop

import (
	"code.hybscloud.com/atomix"
)

// Events is the set of I/O conditions an IO watcher monitors. Error and
// hangup conditions surface as Read so the handler observes them via the
// subsequent read.
type Events uint32

const (
	// Read indicates the fd is readable.
	Read Events = 1 << iota
	// Write indicates the fd is writable.
	Write
)

// IOCallback is invoked when a watched fd becomes ready.
type IOCallback func(io *IO, fd int, revents Events)

// IO watches a file descriptor for readiness. Init before use; Start/Stop
// only from loop context.
type IO struct {
	cb     IOCallback
	fd     int
	events Events
	active bool
	loop   *Loop
}

// Init primes the watcher. Must be called before Start, and only while the
// watcher is stopped.
func (io *IO) Init(cb IOCallback, fd int, events Events) {
	io.cb = cb
	io.fd = fd
	io.events = events
}

// Fd returns the watched file descriptor.
func (io *IO) Fd() int { return io.fd }

// TimerCallback is invoked when a loop timer expires.
type TimerCallback func(t *Timer)

// Timer is a wall-time one-shot or repeating timer measured in seconds,
// against the loop's cached time.
type Timer struct {
	cb      TimerCallback
	after   float64
	repeat  float64
	when    float64 // absolute deadline while active
	heapIdx int     // position in the loop's heap; -1 when inactive
	loop    *Loop
}

// Init primes the timer to fire after `after` seconds and then, when repeat
// is nonzero, every `repeat` seconds.
func (t *Timer) Init(cb TimerCallback, after, repeat float64) {
	t.cb = cb
	t.after = after
	t.repeat = repeat
	t.heapIdx = -1
}

// Set adjusts the delays of a stopped timer.
func (t *Timer) Set(after, repeat float64) {
	t.after = after
	t.repeat = repeat
}

// Active reports whether the timer is scheduled.
func (t *Timer) Active() bool { return t.heapIdx >= 0 }

// PrepareCallback is invoked each iteration right before the loop blocks.
type PrepareCallback func(p *Prepare)

// Prepare runs its callback immediately before the loop waits for events.
type Prepare struct {
	cb     PrepareCallback
	active bool
	loop   *Loop
}

// Init primes the watcher.
func (p *Prepare) Init(cb PrepareCallback) {
	p.cb = cb
}

// AsyncCallback is invoked in loop context after Send.
type AsyncCallback func(a *Async)

// Async wakes the loop from another goroutine. Multiple Sends before the
// handler runs coalesce into a single invocation.
type Async struct {
	cb      AsyncCallback
	pending atomix.Uint64
	active  bool
	loop    *Loop
}

// Init primes the watcher.
func (a *Async) Init(cb AsyncCallback) {
	a.cb = cb
}

// Send requests the callback to run in the loop's context. Safe from any
// goroutine; a no-op when the watcher is not started.
func (a *Async) Send() {
	l := a.loop
	if l == nil {
		return
	}
	if a.pending.CompareAndSwapAcqRel(0, 1) {
		_ = signalWakeFd(l.wakeFd)
	}
}

// Pending reports whether a Send has not yet been consumed.
func (a *Async) Pending() bool { return a.pending.LoadAcquire() != 0 }
