// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package twheel implements a hashed timer wheel: a fixed ring of slices,
// each covering one slice interval, with per-slice spinlocks so that any
// goroutine may add, delete, or update timers while a single ticker drives
// the wheel forward.
//
// Timers that outlive one full rotation carry a spin count and are revisited
// on later rotations. Cancellation is decoupled from reclamation by a
// delay-delete grace period: a cancelled entry is re-inserted invalid into
// the slice DelayDelete from now, and reclaimed only when the ticker next
// visits that slice. This keeps a handle readable while a concurrent tick
// that cached the entry finishes its iteration.
package twheel

import (
	"errors"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/joeycumines/go-evcore/internal/spinlock"
	"github.com/joeycumines/go-evcore/slab"
	"github.com/joeycumines/go-evcore/trace"
)

// Defaults. All wheel arithmetic is in milliseconds.
const (
	// DefaultSliceInterval is the bucket granularity.
	DefaultSliceInterval = 250 * time.Millisecond

	// DefaultWheelDuration is the time for one full rotation.
	DefaultWheelDuration = 2 * time.Hour

	// DelayDelete is the grace period between a timer's logical cancellation
	// and the reclamation of its entry.
	DelayDelete = 2000 * time.Millisecond

	// entriesPerSlabBlock sizes the entry slab's blocks.
	entriesPerSlabBlock = 256
)

// ErrInvalidArg is returned by New for a zero slice interval or a wheel
// duration that does not exceed it.
var ErrInvalidArg = errors.New("twheel: invalid argument")

// Callback is invoked when a timer fires. The handle passed is the same one
// returned by Add. On a wheel without WithThreadSafe the callback may Delete
// or Update its own timer. On a thread-safe wheel Tick holds the timer's
// slice lock while the callback runs and the lock is not reentrant, so a
// Delete or Update of the same timer from the callback does not return.
type Callback func(t *Timer, timerID uint32, ctx any)

// Timer is a wheel entry. It is owned by the wheel; callers treat it as an
// opaque handle. A handle may be stale once DelayDelete has elapsed after
// cancellation or one-shot expiry.
type Timer struct {
	timerID  uint32
	timeout  uint64 // msecs
	periodic bool
	valid    bool
	ctx      any
	cb       Callback
	nspins   uint32
	slice    atomix.Uint64
	next     *Timer
	prev     *Timer
}

// ID returns the application timer id registered at Add.
func (t *Timer) ID() uint32 { return t.timerID }

type wheelSlice struct {
	lock spinlock.Lock
	head *Timer
}

type options struct {
	sliceInterval time.Duration
	wheelDuration time.Duration
	threadSafe    bool
}

// Option configures a Wheel.
type Option func(*options)

// WithSliceInterval sets the bucket granularity.
func WithSliceInterval(d time.Duration) Option {
	return func(o *options) { o.sliceInterval = d }
}

// WithWheelDuration sets the duration of one full rotation. The number of
// slices is wheelDuration / sliceInterval.
func WithWheelDuration(d time.Duration) Option {
	return func(o *options) { o.wheelDuration = d }
}

// WithThreadSafe enables the per-slice spinlocks. Required whenever timers
// are manipulated from goroutines other than the ticker.
func WithThreadSafe(enabled bool) Option {
	return func(o *options) { o.threadSafe = enabled }
}

// Wheel is a hashed timer wheel. One goroutine (the ticker) calls Tick; any
// goroutine may call Add, Delete, Update, UpdateCtx, or Remaining.
type Wheel struct {
	entrySlab     *slab.Slab[Timer]
	sliceInterval uint64 // msecs
	threadSafe    bool
	nslices       uint64
	slices        []wheelSlice
	currSlice     atomix.Uint64 // advanced only by Tick
	numEntries    atomix.Int64
}

// New creates a timer wheel.
func New(opts ...Option) (*Wheel, error) {
	o := options{
		sliceInterval: DefaultSliceInterval,
		wheelDuration: DefaultWheelDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sliceInterval <= 0 || o.wheelDuration <= o.sliceInterval {
		return nil, ErrInvalidArg
	}

	entrySlab, err := slab.New[Timer]("twheel", entriesPerSlabBlock,
		slab.WithThreadSafe(o.threadSafe),
		slab.WithGrowOnDemand(true))
	if err != nil {
		return nil, err
	}

	w := &Wheel{
		entrySlab:     entrySlab,
		sliceInterval: uint64(o.sliceInterval / time.Millisecond),
		threadSafe:    o.threadSafe,
		nslices:       uint64(o.wheelDuration / o.sliceInterval),
	}
	w.slices = make([]wheelSlice, w.nslices)
	return w, nil
}

// EntrySlab exposes the backing slab, primarily for stats.
func (w *Wheel) EntrySlab() *slab.Slab[Timer] { return w.entrySlab }

// NumEntries returns the number of entries linked in the wheel, including
// entries awaiting delay-delete.
func (w *Wheel) NumEntries() int { return int(w.numEntries.Load()) }

func (w *Wheel) lockSlice(i uint64) {
	if w.threadSafe {
		w.slices[i].lock.Acquire()
	}
}

func (w *Wheel) unlockSlice(i uint64) {
	if w.threadSafe {
		w.slices[i].lock.Release()
	}
}

// nextSlice computes the target slice for a timeout measured from now. When
// called from an update path holding entrySlice's lock, a target equal to
// entrySlice is advanced by one slice: re-locking the held slice would
// deadlock, at the cost of firing up to one slice late.
func (w *Wheel) nextSlice(timeoutMS uint64, entrySlice uint64, update bool) uint64 {
	rem := timeoutMS % (w.nslices * w.sliceInterval)
	numSlices := rem / w.sliceInterval
	if numSlices == 0 {
		numSlices = 1
	}
	slice := (w.currSlice.LoadRelaxed() + numSlices) % w.nslices
	if update && slice == entrySlice {
		slice = (slice + 1) % w.nslices
	}
	return slice
}

// initEntry primes an entry for (re-)insertion at the given slice.
func (w *Wheel) initEntry(t *Timer, timerID uint32, timeoutMS uint64,
	periodic bool, ctx any, cb Callback, slice uint64) {
	t.timerID = timerID
	t.timeout = timeoutMS
	t.periodic = periodic
	t.ctx = ctx
	t.cb = cb
	t.valid = false
	t.nspins = uint32(timeoutMS / (w.nslices * w.sliceInterval))
	t.slice.StoreRelaxed(slice)
	t.next, t.prev = nil, nil
}

// insertTimer links t at the head of its slice. Caller holds the slice lock.
func (w *Wheel) insertTimer(t *Timer) {
	slice := t.slice.LoadRelaxed()
	cur := w.slices[slice].head
	t.next = cur
	if cur != nil {
		cur.prev = t
	}
	w.slices[slice].head = t
	t.valid = true
	w.numEntries.Add(1)
}

// unlinkTimer removes t from its slice list. Caller holds the slice lock.
func (w *Wheel) unlinkTimer(t *Timer) {
	if t.next != nil {
		t.next.prev = t.prev
	}
	if t.prev == nil {
		w.slices[t.slice.LoadRelaxed()].head = t.next
	} else {
		t.prev.next = t.next
	}
	w.numEntries.Add(-1)
}

// removeTimer unlinks t and marks it invalid. Caller holds the slice lock.
func (w *Wheel) removeTimer(t *Timer) {
	if !t.valid {
		return
	}
	w.unlinkTimer(t)
	t.valid = false
}

func (w *Wheel) lastInSlice(slice uint64) *Timer {
	last := w.slices[slice].head
	for last != nil && last.next != nil {
		last = last.next
	}
	return last
}

// updateLocked re-places t with a new timeout. Caller holds t's current
// slice lock; the target slice lock is taken second (current first, target
// second is the wheel-wide lock order).
func (w *Wheel) updateLocked(t *Timer, timeoutMS uint64, periodic bool) {
	w.removeTimer(t)
	slice := w.nextSlice(timeoutMS, t.slice.LoadRelaxed(), true)
	w.lockSlice(slice)
	w.initEntry(t, t.timerID, timeoutMS, periodic, t.ctx, t.cb, slice)
	w.insertTimer(t)
	w.unlockSlice(slice)
}

// delayDelete parks an already-removed entry, invalid, in the slice
// DelayDelete from now. The ticker reclaims it when it visits that slice.
func (w *Wheel) delayDelete(t *Timer) {
	delayMS := uint64(DelayDelete / time.Millisecond)
	slice := w.nextSlice(delayMS, t.slice.LoadRelaxed(), true)
	w.lockSlice(slice)
	w.initEntry(t, t.timerID, delayMS, false, nil, nil, slice)
	w.insertTimer(t)
	t.valid = false
	w.unlockSlice(slice)
}

// Add schedules a timer. The callback fires after initialDelay+timeout, then
// every timeout if periodic. Returns nil when the entry slab is exhausted.
func (w *Wheel) Add(timerID uint32, timeout time.Duration, ctx any,
	cb Callback, periodic bool, initialDelay time.Duration) *Timer {
	timeoutMS := uint64(timeout / time.Millisecond)
	initialMS := uint64(initialDelay / time.Millisecond)
	slice := w.nextSlice(initialMS+timeoutMS, 0, false)

	t, err := w.entrySlab.Alloc()
	if err != nil {
		trace.Err().Str("slab", w.entrySlab.Name()).
			Log("twheel: entry allocation failed")
		return nil
	}

	w.initEntry(t, timerID, timeoutMS, periodic, ctx, cb, slice)
	// The first placement spans initialDelay+timeout, not just timeout.
	t.nspins = uint32((initialMS + timeoutMS) / (w.nslices * w.sliceInterval))

	w.lockSlice(slice)
	w.insertTimer(t)
	w.unlockSlice(slice)

	return t
}

// lockEntrySlice locks the slice currently holding t. A periodic
// re-placement by Tick can migrate t between reading the slice index and
// acquiring its lock, so the read is revalidated under the lock and the
// acquisition retried until it sticks.
func (w *Wheel) lockEntrySlice(t *Timer) uint64 {
	for {
		slice := t.slice.LoadRelaxed()
		w.lockSlice(slice)
		if t.slice.LoadRelaxed() == slice {
			return slice
		}
		w.unlockSlice(slice)
	}
}

// Delete cancels t and returns its registered context. The entry itself is
// delay-deleted; the handle stays readable for at least DelayDelete.
func (w *Wheel) Delete(t *Timer) any {
	if t == nil {
		return nil
	}
	slice := w.lockEntrySlice(t)
	ctx := t.ctx
	if !t.valid {
		trace.Err().Uint64("timer_id", uint64(t.timerID)).
			Log("twheel: delete of timer that is not scheduled")
		w.unlockSlice(slice)
		return ctx
	}
	w.removeTimer(t)
	w.unlockSlice(slice)
	w.delayDelete(t)
	return ctx
}

// Update atomically re-places t with a new timeout, periodicity, and
// context. When the newly computed target slice equals the slice the caller
// holds, the target advances by one slice (see nextSlice), so the effective
// timeout may exceed the requested one by up to one slice interval.
func (w *Wheel) Update(t *Timer, timeout time.Duration, periodic bool, ctx any) *Timer {
	if t == nil {
		return nil
	}
	timeoutMS := uint64(timeout / time.Millisecond)

	entrySlice := w.lockEntrySlice(t)
	if !t.valid {
		trace.Err().Uint64("timer_id", uint64(t.timerID)).
			Log("twheel: update of timer that is not scheduled")
		w.unlockSlice(entrySlice)
		return t
	}
	w.removeTimer(t)

	slice := w.nextSlice(timeoutMS, entrySlice, true)
	w.lockSlice(slice)
	w.initEntry(t, t.timerID, timeoutMS, periodic, ctx, t.cb, slice)
	w.insertTimer(t)
	w.unlockSlice(slice)
	w.unlockSlice(entrySlice)

	return t
}

// UpdateCtx replaces t's context without re-placing it.
func (w *Wheel) UpdateCtx(t *Timer, ctx any) *Timer {
	if t == nil {
		return nil
	}
	t.ctx = ctx
	return t
}

// Valid reports whether t is scheduled (not cancelled or awaiting
// delay-delete). Advisory when the ticker runs concurrently.
func (w *Wheel) Valid(t *Timer) bool {
	return t != nil && t.valid
}

// Remaining approximates the time until t fires.
func (w *Wheel) Remaining(t *Timer) time.Duration {
	if t == nil {
		return 0
	}
	slice := t.slice.LoadRelaxed()
	curr := w.currSlice.LoadRelaxed()
	ms := uint64(t.nspins)*(w.nslices*w.sliceInterval) +
		((slice-curr+w.nslices)%w.nslices)*w.sliceInterval
	return time.Duration(ms) * time.Millisecond
}

// Tick drives the wheel forward by elapsed time. For every slice boundary
// crossed, the slice's list is walked tail to head under the slice lock:
// invalid entries are reclaimed, spinning entries age by one rotation, and
// due entries fire. After a callback the entry's validity is rechecked, so a
// callback cancelling its own timer suppresses the re-insert.
//
// Tick is the ticker's entry point; it must not be called concurrently with
// itself.
func (w *Wheel) Tick(elapsed time.Duration) {
	elapsedMS := uint64(elapsed / time.Millisecond)
	if elapsedMS < w.sliceInterval {
		return
	}

	n := elapsedMS / w.sliceInterval
	for ; n > 0; n-- {
		curr := w.currSlice.LoadRelaxed()
		w.lockSlice(curr)
		t := w.lastInSlice(curr)
		for t != nil {
			if !t.valid {
				// Delay-delete grace period expired.
				prev := t.prev
				w.unlinkTimer(t)
				if err := w.entrySlab.Free(t); err != nil {
					trace.Err().Uint64("timer_id", uint64(t.timerID)).
						Log("twheel: failed to reclaim entry")
				}
				t = prev
			} else if t.nspins > 0 {
				// Revisit after one more full rotation.
				t.nspins--
				t = t.prev
			} else {
				// Cache prev in case the callback manipulates this timer.
				prev := t.prev
				t.cb(t, t.timerID, t.ctx)
				if t.periodic {
					if t.valid {
						// Still scheduled; the callback did not cancel it.
						w.updateLocked(t, t.timeout, true)
					}
				} else if t.valid {
					w.removeTimer(t)
					w.delayDelete(t)
				}
				t = prev
			}
		}
		w.unlockSlice(curr)
		w.currSlice.StoreRelaxed((curr + 1) % w.nslices)
	}
}
