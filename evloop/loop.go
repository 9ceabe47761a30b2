// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package evloop implements a small per-thread event loop in the libev
// mould: IO, Timer, Prepare, and Async watchers over an epoll poller with an
// eventfd wakeup. One goroutine owns the loop and runs it; Async.Send is the
// only operation legal from other goroutines. Watcher start/stop affinity is
// the caller's contract — eventthread enforces it.
package evloop

import (
	"container/heap"
	"errors"
	"time"
)

// ErrLoopTerminated is returned for operations on a closed loop.
var ErrLoopTerminated = errors.New("evloop: loop has been terminated")

// timerHeap is a min-heap of active timers ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// Loop is a single-goroutine event loop.
type Loop struct {
	poller   poller
	wakeFd   int
	timers   timerHeap
	prepares []*Prepare
	asyncs   []*Async

	now        float64 // cached wall time, refreshed before timers and after poll
	breaking   bool
	terminated bool
}

// New creates a loop with its poller and wakeup fd.
func New() (*Loop, error) {
	l := &Loop{}
	if err := l.poller.init(); err != nil {
		return nil, err
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		_ = l.poller.close()
		return nil, err
	}
	l.wakeFd = wakeFd
	if err := l.poller.register(wakeFd, Read, func(Events) {
		drainWakeFd(l.wakeFd)
	}); err != nil {
		_ = l.poller.close()
		_ = closeFD(wakeFd)
		return nil, err
	}
	l.now = nowSeconds()
	return l, nil
}

// Time returns fresh wall time in seconds, independent of any loop.
func Time() float64 {
	return nowSeconds()
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Now returns the loop's cached wall time in seconds. Refreshed at the start
// of each iteration and again after the poll returns; cheap enough for
// timestamping every event in a busy handler.
func (l *Loop) Now() float64 { return l.now }

// UpdateNow refreshes the cached time, for callers that slept outside the
// loop's control.
func (l *Loop) UpdateNow() { l.now = nowSeconds() }

// Run processes events until Break is called. It may be called again after
// it returns; watchers stay registered across calls.
func (l *Loop) Run() error {
	if l.terminated {
		return ErrLoopTerminated
	}
	l.breaking = false
	for !l.breaking {
		l.runOnce()
	}
	return nil
}

// Break requests Run to return after the current iteration. Loop context
// only.
func (l *Loop) Break() { l.breaking = true }

// runOnce is a single loop iteration: timers, prepares, poll, asyncs.
func (l *Loop) runOnce() {
	l.now = nowSeconds()
	l.runTimers()

	// "About to wait" hooks.
	for _, p := range l.prepares {
		if p.active && p.cb != nil {
			p.cb(p)
		}
	}

	if _, err := l.poller.poll(l.pollTimeout()); err != nil {
		l.breaking = true
		return
	}
	l.now = nowSeconds()
	l.runTimers()
	l.runAsyncs()
}

// pollTimeout computes the epoll timeout in ms: bounded by the next timer
// deadline, -1 (indefinite) when no timer is active. Sub-millisecond waits
// round up to 1ms rather than busy-polling.
func (l *Loop) pollTimeout() int {
	if l.breaking {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	delay := l.timers[0].when - l.now
	if delay <= 0 {
		return 0
	}
	ms := int(delay * 1e3)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) runTimers() {
	for len(l.timers) > 0 && l.timers[0].when <= l.now {
		t := heap.Pop(&l.timers).(*Timer)
		if t.repeat > 0 {
			t.when = l.now + t.repeat
			heap.Push(&l.timers, t)
		}
		if t.cb != nil {
			t.cb(t)
		}
	}
}

func (l *Loop) runAsyncs() {
	for _, a := range l.asyncs {
		if a.active && a.pending.LoadAcquire() != 0 {
			a.pending.StoreRelease(0)
			if a.cb != nil {
				a.cb(a)
			}
		}
	}
}

// IOStart registers an IO watcher with the poller. Loop context only.
func (l *Loop) IOStart(io *IO) error {
	if io.active {
		return nil
	}
	if err := l.poller.register(io.fd, io.events, func(revents Events) {
		if io.active && io.cb != nil {
			io.cb(io, io.fd, revents)
		}
	}); err != nil {
		return err
	}
	io.active = true
	io.loop = l
	return nil
}

// IOStop removes an IO watcher. Loop context only.
func (l *Loop) IOStop(io *IO) error {
	if !io.active {
		return nil
	}
	io.active = false
	io.loop = nil
	return l.poller.unregister(io.fd)
}

// TimerStart schedules a timer to fire after its configured delay.
func (l *Loop) TimerStart(t *Timer) {
	if t.heapIdx >= 0 {
		return
	}
	t.loop = l
	t.when = l.now + t.after
	heap.Push(&l.timers, t)
}

// TimerStop cancels a timer if scheduled.
func (l *Loop) TimerStop(t *Timer) {
	if t.heapIdx < 0 {
		return
	}
	heap.Remove(&l.timers, t.heapIdx)
	t.loop = nil
}

// TimerAgain restarts a repeating timer measuring from now; a
// non-repeating timer is stopped.
func (l *Loop) TimerAgain(t *Timer) {
	l.TimerStop(t)
	if t.repeat > 0 {
		t.loop = l
		t.when = l.now + t.repeat
		heap.Push(&l.timers, t)
	}
}

// PrepareStart activates a prepare watcher.
func (l *Loop) PrepareStart(p *Prepare) {
	if p.active {
		return
	}
	p.active = true
	p.loop = l
	l.prepares = append(l.prepares, p)
}

// PrepareStop deactivates a prepare watcher.
func (l *Loop) PrepareStop(p *Prepare) {
	if !p.active {
		return
	}
	p.active = false
	p.loop = nil
	for i, q := range l.prepares {
		if q == p {
			l.prepares = append(l.prepares[:i], l.prepares[i+1:]...)
			break
		}
	}
}

// AsyncStart activates an async watcher. Loop context only; Send becomes
// legal from any goroutine afterwards.
func (l *Loop) AsyncStart(a *Async) {
	if a.active {
		return
	}
	a.active = true
	a.loop = l
	l.asyncs = append(l.asyncs, a)
}

// AsyncStop deactivates an async watcher.
func (l *Loop) AsyncStop(a *Async) {
	if !a.active {
		return
	}
	a.active = false
	a.loop = nil
	for i, q := range l.asyncs {
		if q == a {
			l.asyncs = append(l.asyncs[:i], l.asyncs[i+1:]...)
			break
		}
	}
}

// Close releases the loop's file descriptors. The loop must not be running.
func (l *Loop) Close() error {
	if l.terminated {
		return ErrLoopTerminated
	}
	l.terminated = true
	err := l.poller.close()
	if cerr := closeFD(l.wakeFd); err == nil {
		err = cerr
	}
	return err
}
