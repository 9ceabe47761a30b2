// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventthread

import (
	"time"

	"github.com/joeycumines/go-evcore/evloop"
	"github.com/joeycumines/go-evcore/trace"
)

// measure times an infra-dispatched callback against MaxCallbackDuration.
func measure(what string, fn func()) {
	start := time.Now()
	fn()
	if d := time.Since(start); d > MaxCallbackDuration {
		trace.Debug().Str("callback", what).Dur("took", d).
			Log("eventthread: callback overran budget")
	}
}

// IOCB receives fd readiness for an IO watcher.
type IOCB func(io *IO, fd int, revents evloop.Events)

// IO is a file-descriptor watcher bound to an event thread's loop.
type IO struct {
	w   evloop.IO
	cb  IOCB
	Ctx any
}

// IOInit primes an IO watcher. Call before the first IOStart.
func IOInit(io *IO, cb IOCB, fd int, events evloop.Events) {
	io.cb = cb
	io.w.Init(func(_ *evloop.IO, fd int, revents evloop.Events) {
		measure("io", func() { io.cb(io, fd, revents) })
	}, fd, events)
}

// TimerCB receives expiry of a loop timer.
type TimerCB func(t *Timer)

// Timer is a wall-time loop timer measured in seconds.
type Timer struct {
	w   evloop.Timer
	cb  TimerCB
	Ctx any
}

// TimerInit primes a timer with an initial delay and repeat, in seconds.
func TimerInit(t *Timer, cb TimerCB, initialDelay, repeat float64) {
	t.cb = cb
	t.w.Init(func(*evloop.Timer) {
		measure("timer", func() { t.cb(t) })
	}, initialDelay, repeat)
}

// TimerSet adjusts a stopped timer's delays, in seconds.
func TimerSet(t *Timer, initialDelay, repeat float64) {
	t.w.Set(initialDelay, repeat)
}

// PrepareCB runs right before the thread's loop blocks.
type PrepareCB func(p *Prepare, ctx any)

// Prepare is an "about to wait" hook on an event thread's loop.
type Prepare struct {
	w   evloop.Prepare
	cb  PrepareCB
	ctx any
}

// PrepareInit primes a prepare watcher.
func PrepareInit(p *Prepare, cb PrepareCB, ctx any) {
	p.cb = cb
	p.ctx = ctx
	p.w.Init(func(*evloop.Prepare) {
		measure("prepare", func() { p.cb(p, p.ctx) })
	})
}

// IOStart registers io with the thread's loop. Owning thread only.
func (t *Thread) IOStart(io *IO) {
	t.assertCurrent("IOStart")
	if err := t.loop.IOStart(&io.w); err != nil {
		trace.Err().Err(err).Str("thread", t.name).Int("fd", io.w.Fd()).
			Log("eventthread: io watcher start failed")
	}
}

// IOStop removes io from the thread's loop. Owning thread only.
func (t *Thread) IOStop(io *IO) {
	t.assertCurrent("IOStop")
	if err := t.loop.IOStop(&io.w); err != nil {
		trace.Err().Err(err).Str("thread", t.name).Int("fd", io.w.Fd()).
			Log("eventthread: io watcher stop failed")
	}
}

// TimerStart arms tm on the thread's loop. Owning thread only.
func (t *Thread) TimerStart(tm *Timer) {
	t.assertCurrent("TimerStart")
	t.loop.TimerStart(&tm.w)
}

// TimerStop disarms tm. Owning thread only.
func (t *Thread) TimerStop(tm *Timer) {
	t.assertCurrent("TimerStop")
	t.loop.TimerStop(&tm.w)
}

// TimerAgain restarts a repeating timer from now. Owning thread only.
func (t *Thread) TimerAgain(tm *Timer) {
	t.assertCurrent("TimerAgain")
	t.loop.TimerAgain(&tm.w)
}

// PrepareStart activates p on the thread's loop. Owning thread only.
func (t *Thread) PrepareStart(p *Prepare) {
	t.assertCurrent("PrepareStart")
	t.loop.PrepareStart(&p.w)
}

// PrepareStop deactivates p. Owning thread only.
func (t *Thread) PrepareStop(p *Prepare) {
	t.assertCurrent("PrepareStop")
	t.loop.PrepareStop(&p.w)
}

// currentOrPanic resolves the calling event thread for the package-level
// watcher helpers.
func currentOrPanic(op string) *Thread {
	t := Current()
	if t == nil {
		panic("eventthread: " + op + " called from outside an event thread")
	}
	return t
}

// IOStart registers io with the calling event thread's loop.
func IOStart(io *IO) { currentOrPanic("IOStart").IOStart(io) }

// IOStop removes io from the calling event thread's loop.
func IOStop(io *IO) { currentOrPanic("IOStop").IOStop(io) }

// TimerStart arms tm on the calling event thread's loop.
func TimerStart(tm *Timer) { currentOrPanic("TimerStart").TimerStart(tm) }

// TimerStop disarms tm on the calling event thread's loop.
func TimerStop(tm *Timer) { currentOrPanic("TimerStop").TimerStop(tm) }

// TimerAgain restarts tm on the calling event thread's loop.
func TimerAgain(tm *Timer) { currentOrPanic("TimerAgain").TimerAgain(tm) }

// PrepareStart activates p on the calling event thread's loop.
func PrepareStart(p *Prepare) { currentOrPanic("PrepareStart").PrepareStart(p) }

// PrepareStop deactivates p on the calling event thread's loop.
func PrepareStop(p *Prepare) { currentOrPanic("PrepareStop").PrepareStop(p) }
