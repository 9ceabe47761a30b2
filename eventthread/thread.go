// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package eventthread implements the event-thread runtime: long-lived worker
// threads driven by per-thread event loops, a lock-free cross-thread message
// queue per thread, and a process-wide thread-liveness pub/sub.
//
// Threads are identified by small integers and registered in a process-wide
// table at construction. Any goroutine may send a message to a thread by id;
// the message is enqueued onto the target's queue and the target's async
// watcher is signalled, so dispatch always happens in the target's own loop
// context. Watcher manipulation, by contrast, is legal only from the owning
// thread; violations are programming errors and panic.
package eventthread

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
	"github.com/joeycumines/go-evcore/evloop"
	"github.com/joeycumines/go-evcore/ipc"
	"github.com/joeycumines/go-evcore/trace"
)

const (
	// MaxThreadID is the largest permitted thread identifier.
	MaxThreadID = 255

	// MaxCallbackDuration is the advisory budget for a single application
	// callback. Overruns are traced, not punished.
	MaxCallbackDuration = 250 * time.Millisecond
)

// Standard errors.
var (
	ErrInvalidThreadID = errors.New("eventthread: thread id out of range")
	ErrDuplicateID     = errors.New("eventthread: thread id already in use")
	ErrAlreadyStarted  = errors.New("eventthread: thread already started")
	ErrSuspendPending  = errors.New("eventthread: suspend already requested")
)

// Callback signatures.
type (
	// InitFunc runs in thread context before the thread is marked ready.
	InitFunc func(userCtx any)
	// ExitFunc runs in thread context after the loop exits.
	ExitFunc func(userCtx any)
	// MessageCB receives payloads sent via MessageSend.
	MessageCB func(payload any, userCtx any)
	// UpdownUpCB receives a watched thread's UP transition.
	UpdownUpCB func(threadID uint32, ctx any)
	// SuspendFunc runs in thread context once the loop has broken out for a
	// suspend request.
	SuspendFunc func()
)

// Config carries the callbacks and scheduling attributes of a thread.
type Config struct {
	Init    InitFunc
	Exit    ExitFunc
	Message MessageCB

	// SyncIPC selects synchronous transport bring-up in the thread entry.
	SyncIPC bool

	// Affinity pins the thread's OS thread to the given CPUs. Empty means
	// no pinning. Scheduling priority/policy remain with the embedding
	// application.
	Affinity []int
}

// Thread is a long-lived worker driven by its own event loop.
type Thread struct {
	name    string
	id      uint32
	cfg     Config
	userCtx any

	loop  *evloop.Loop
	async evloop.Async
	queue *lfq.MPSC[message]

	updownUpCBs  map[uint32]UpdownUpCB
	updownUpCtxs map[uint32]any

	mu        sync.Mutex // guards stop/suspend flags
	cond      *sync.Cond // signalled on resume
	stop      bool
	suspend   bool
	suspended bool
	suspendFn SuspendFunc
	started   bool

	ready   atomix.Bool
	readyCh chan struct{}
	done    chan struct{}
}

// threads is the process-wide id -> thread table. Writes are serialized by
// the factory; reads take the read lock.
var threads struct {
	sync.RWMutex
	table [MaxThreadID + 1]*Thread
}

func lookupThread(id uint32) *Thread {
	threads.RLock()
	t := threads.table[id]
	threads.RUnlock()
	return t
}

// New creates an event thread and registers it in the process-wide table.
// The id must not be in use by a live thread.
func New(name string, id uint32, cfg Config) (*Thread, error) {
	if id > MaxThreadID {
		return nil, ErrInvalidThreadID
	}

	loop, err := evloop.New()
	if err != nil {
		return nil, err
	}

	t := &Thread{
		name:         name,
		id:           id,
		cfg:          cfg,
		loop:         loop,
		queue:        lfq.NewMPSC[message](lfqCapacity),
		updownUpCBs:  make(map[uint32]UpdownUpCB),
		updownUpCtxs: make(map[uint32]any),
		readyCh:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	t.async.Init(t.handleAsync)
	t.loop.AsyncStart(&t.async)

	threads.Lock()
	if threads.table[id] != nil {
		threads.Unlock()
		_ = loop.Close()
		return nil, ErrDuplicateID
	}
	threads.table[id] = t
	threads.Unlock()

	return t, nil
}

// Destroy removes the thread from the process-wide table and releases its
// loop. The thread must be stopped (or never started).
func (t *Thread) Destroy() {
	threads.Lock()
	if threads.table[t.id] == t {
		threads.table[t.id] = nil
	}
	threads.Unlock()
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		_ = t.loop.Close()
	}
}

// ID returns the thread identifier.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Ready reports whether the thread finished initialization.
func (t *Thread) Ready() bool { return t.ready.LoadAcquire() }

// WaitReady blocks until the thread is marked ready.
func (t *Thread) WaitReady() { <-t.readyCh }

// WaitStopped blocks until the thread's run loop has fully exited.
func (t *Thread) WaitStopped() { <-t.done }

// Start launches the OS thread. userCtx is handed to every callback.
func (t *Thread) Start(userCtx any) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	t.userCtx = userCtx
	go t.run()
	return nil
}

// run is the thread entry.
func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(t.cfg.Affinity) > 0 {
		var set unix.CPUSet
		set.Zero()
		for _, cpu := range t.cfg.Affinity {
			set.Set(cpu)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			trace.Warning().Err(err).Str("thread", t.name).
				Log("eventthread: failed to set cpu affinity")
		}
	}

	setCurrent(t)
	defer clearCurrent()

	// Hand the transport its hooks into this loop.
	infra := t.buildInfra()
	if t.cfg.SyncIPC {
		ipc.InitSync(t.id, infra)
	} else {
		ipc.InitAsync(t.id, infra)
	}

	if t.cfg.Init != nil {
		t.cfg.Init(t.userCtx)
	}
	t.ready.StoreRelease(true)
	close(t.readyCh)

	updown.up(t.id)

	for {
		t.mu.Lock()
		stop := t.stop
		t.mu.Unlock()
		if stop {
			break
		}
		_ = t.loop.Run()
		t.checkAndSuspend()
	}

	if t.cfg.Exit != nil {
		t.cfg.Exit(t.userCtx)
	}

	updown.down(t.id)
	t.ready.StoreRelease(false)
	ipc.Deinit(t.id)
	_ = t.loop.Close()
	close(t.done)
}

// handleAsync services the thread's async watcher: observe stop/suspend
// under the flag mutex, or drain the message queue to empty. At most one
// invocation runs at a time, in loop context.
func (t *Thread) handleAsync(*evloop.Async) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop || t.suspend {
		t.loop.Break()
		return
	}
	t.processLFQ()
}

// processLFQ drains the queue, dispatching each message by type and timing
// the callback against MaxCallbackDuration.
func (t *Thread) processLFQ() {
	for {
		m, ok := t.dequeue()
		if !ok {
			return
		}
		switch m.typ {
		case userMsg:
			if t.cfg.Message == nil {
				panic(fmt.Sprintf("eventthread: thread %d has no message callback", t.id))
			}
			start := time.Now()
			t.cfg.Message(m.payload, t.userCtx)
			if d := time.Since(start); d > MaxCallbackDuration {
				trace.Debug().Str("thread", t.name).Dur("took", d).
					Log("eventthread: message callback overran budget")
			}
		case updownMsg:
			cb, registered := t.updownUpCBs[m.updownThreadID]
			if !registered {
				panic(fmt.Sprintf("eventthread: thread %d has no updown callback for %d",
					t.id, m.updownThreadID))
			}
			start := time.Now()
			cb(m.updownThreadID, t.updownUpCtxs[m.updownThreadID])
			if d := time.Since(start); d > MaxCallbackDuration {
				trace.Debug().Str("thread", t.name).Dur("took", d).
					Log("eventthread: updown callback overran budget")
			}
		default:
			panic(fmt.Sprintf("eventthread: unknown message type %d", m.typ))
		}
	}
}

// Stop requests termination. Idempotent; callable from any thread. The loop
// observes the request at its next wakeup.
func (t *Thread) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop {
		return nil
	}
	t.stop = true
	if t.suspended {
		t.suspend = false
		t.cond.Broadcast()
	} else {
		t.async.Send()
	}
	return nil
}

// SuspendReq asks the thread to break out of its loop and invoke fn, then
// park until ResumeReq. Callable from any thread.
func (t *Thread) SuspendReq(fn SuspendFunc) error {
	t.mu.Lock()
	if t.suspend {
		t.mu.Unlock()
		return ErrSuspendPending
	}
	t.suspend = true
	t.suspendFn = fn
	t.mu.Unlock()
	t.async.Send()
	return nil
}

// ResumeReq releases a suspended thread back into its loop.
func (t *Thread) ResumeReq() error {
	t.mu.Lock()
	t.suspend = false
	t.suspendFn = nil
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

// Suspended reports whether the thread is parked in a suspend request.
func (t *Thread) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

// checkAndSuspend parks the thread when a suspend was requested: invoke the
// suspend function outside the lock, then wait for resume (or stop).
func (t *Thread) checkAndSuspend() {
	t.mu.Lock()
	if !t.suspend || t.stop {
		t.mu.Unlock()
		return
	}
	fn := t.suspendFn
	t.suspended = true
	t.mu.Unlock()

	if fn != nil {
		fn()
	}

	t.mu.Lock()
	for t.suspend && !t.stop {
		t.cond.Wait()
	}
	t.suspended = false
	t.mu.Unlock()
}

// send enqueues an envelope and wakes the thread.
func (t *Thread) send(m message) {
	t.enqueue(m)
	t.async.Send()
}

// handleThreadUp queues an UP notification for dispatch in this thread's
// context. Called by the updown manager with its lock held.
func (t *Thread) handleThreadUp(threadID uint32) {
	t.send(message{typ: updownMsg, updownThreadID: threadID})
}

// UpdownUpSubscribe watches another thread's UP transition. The callback is
// dispatched in this thread's context as a queued message. Owning thread
// only; one subscription per target.
func (t *Thread) UpdownUpSubscribe(threadID uint32, cb UpdownUpCB, ctx any) {
	t.assertCurrent("UpdownUpSubscribe")
	if threadID > MaxThreadID {
		panic(fmt.Sprintf("eventthread: updown subscribe target %d out of range", threadID))
	}
	if cb == nil {
		panic("eventthread: nil updown callback")
	}
	if _, dup := t.updownUpCBs[threadID]; dup {
		panic(fmt.Sprintf("eventthread: thread %d already subscribed to %d", t.id, threadID))
	}
	t.updownUpCBs[threadID] = cb
	t.updownUpCtxs[threadID] = ctx
	updown.subscribe(t.id, threadID)
}

// assertCurrent enforces the owning-thread affinity rule.
func (t *Thread) assertCurrent(op string) {
	if Current() != t {
		panic(fmt.Sprintf("eventthread: %s for thread %q called from a foreign thread", op, t.name))
	}
}

// MessageSend enqueues payload for the target thread and wakes it. Safe from
// any thread. Ownership of the payload transfers to the receiver.
func MessageSend(threadID uint32, payload any) {
	if threadID > MaxThreadID {
		panic(fmt.Sprintf("eventthread: message send to %d out of range", threadID))
	}
	target := lookupThread(threadID)
	if target == nil {
		panic(fmt.Sprintf("eventthread: message send to unknown thread %d", threadID))
	}
	target.send(message{typ: userMsg, payload: payload})
}

// UpdownUpSubscribe subscribes the calling event thread to threadID's UP
// transition.
func UpdownUpSubscribe(threadID uint32, cb UpdownUpCB, ctx any) {
	t := Current()
	if t == nil {
		panic("eventthread: UpdownUpSubscribe called from outside an event thread")
	}
	t.UpdownUpSubscribe(threadID, cb, ctx)
}

// TimestampNow returns wall time in seconds: the loop's cached time inside
// an event thread, a fresh reading otherwise.
func TimestampNow() float64 {
	if t := Current(); t != nil {
		return t.loop.Now()
	}
	return evloop.Time()
}
