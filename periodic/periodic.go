// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package periodic runs the process-wide ticker thread: a dedicated OS
// thread that owns the one global timer wheel and drives it off a periodic
// monotonic timerfd. Every other thread schedules timers through the
// package-level functions, which manipulate the wheel directly under its
// per-slice locks.
package periodic

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/atomix"
	"github.com/joeycumines/go-evcore/timerfd"
	"github.com/joeycumines/go-evcore/trace"
	"github.com/joeycumines/go-evcore/twheel"
)

// BatchSlices caps how many slices one Tick call may advance. Large clock
// jumps are worked off in batches so callback latency stays bounded and the
// heartbeat keeps punching between batches.
const BatchSlices = 10

// ErrAlreadyRunning is returned by Start when the ticker thread is live.
var ErrAlreadyRunning = errors.New("periodic: ticker thread already running")

type options struct {
	sliceInterval time.Duration
	wheelDuration time.Duration
	heartbeat     func()
}

// Option configures the ticker thread.
type Option func(*options)

// WithSliceInterval overrides the wheel's slice interval.
func WithSliceInterval(d time.Duration) Option {
	return func(o *options) { o.sliceInterval = d }
}

// WithWheelDuration overrides the wheel's rotation duration.
func WithWheelDuration(d time.Duration) Option {
	return func(o *options) { o.wheelDuration = d }
}

// WithHeartbeat installs a liveness hook invoked between tick batches.
func WithHeartbeat(fn func()) Option {
	return func(o *options) { o.heartbeat = fn }
}

var (
	mu       sync.Mutex
	wheel    atomic.Pointer[twheel.Wheel]
	running  atomix.Bool
	ready    atomix.Bool
	stopping atomix.Bool
	done     chan struct{}
	fdInfo   timerfd.Info
)

// Start creates the global wheel and timerfd and launches the ticker
// thread. It returns once the wheel is ticking.
func Start(opts ...Option) error {
	o := options{
		sliceInterval: twheel.DefaultSliceInterval,
		wheelDuration: twheel.DefaultWheelDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}

	mu.Lock()
	defer mu.Unlock()
	if running.LoadAcquire() {
		return ErrAlreadyRunning
	}

	w, err := twheel.New(
		twheel.WithSliceInterval(o.sliceInterval),
		twheel.WithWheelDuration(o.wheelDuration),
		twheel.WithThreadSafe(true))
	if err != nil {
		return err
	}

	timerfd.Init(&fdInfo)
	fdInfo.Period = uint64(o.sliceInterval / time.Microsecond)
	if err := timerfd.Prepare(&fdInfo); err != nil {
		return err
	}

	wheel.Store(w)
	stopping.StoreRelease(false)
	done = make(chan struct{})
	running.StoreRelease(true)

	go tickerMain(w, o.sliceInterval, o.heartbeat, done)
	return nil
}

func tickerMain(w *twheel.Wheel, sliceInterval time.Duration, heartbeat func(), done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ready.StoreRelease(true)
	for {
		missed, err := timerfd.Wait(&fdInfo)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if !stopping.LoadAcquire() {
				trace.Err().Err(err).Log("periodic: timerfd wait failed")
			}
			break
		}
		if stopping.LoadAcquire() {
			break
		}
		for missed > 0 {
			batch := missed
			if batch > BatchSlices {
				batch = BatchSlices
			}
			w.Tick(time.Duration(batch) * sliceInterval)
			if heartbeat != nil {
				heartbeat()
			}
			missed -= batch
		}
	}
	ready.StoreRelease(false)
	running.StoreRelease(false)
	close(done)
}

// Stop terminates the ticker thread and tears down the timerfd. The ticker
// observes the stop request at its next wakeup, so Stop blocks for up to one
// slice interval. The wheel itself stays readable so in-flight handles
// remain safe; subsequent timer operations fail softly.
func Stop() {
	mu.Lock()
	defer mu.Unlock()
	if !running.LoadAcquire() {
		return
	}
	stopping.StoreRelease(true)
	<-done
	_ = timerfd.Close(&fdInfo)
	wheel.Store(nil)
}

// Running reports whether the global wheel is ticking.
func Running() bool { return running.LoadAcquire() }

// Ready reports whether the ticker thread finished initialization.
func Ready() bool { return ready.LoadAcquire() }

// Wheel returns the global wheel, or nil when the ticker is not running.
func Wheel() *twheel.Wheel { return wheel.Load() }

// TimerSchedule schedules cb to fire after initialDelay+timeout, then every
// timeout if periodic. Safe to call from any thread. Returns nil when the
// ticker thread is not running.
func TimerSchedule(timerID uint32, timeout time.Duration, ctx any,
	cb twheel.Callback, periodic bool, initialDelay time.Duration) *twheel.Timer {
	if w := wheel.Load(); w != nil {
		return w.Add(timerID, timeout, ctx, cb, periodic, initialDelay)
	}
	return nil
}

// TimerDelete cancels a scheduled timer and returns its context.
func TimerDelete(t *twheel.Timer) any {
	if w := wheel.Load(); w != nil {
		return w.Delete(t)
	}
	return nil
}

// TimerUpdate re-places a scheduled timer.
func TimerUpdate(t *twheel.Timer, timeout time.Duration, periodic bool, ctx any) *twheel.Timer {
	if w := wheel.Load(); w != nil {
		return w.Update(t, timeout, periodic, ctx)
	}
	return nil
}

// TimerUpdateCtx replaces a timer's context without re-placing it.
func TimerUpdateCtx(t *twheel.Timer, ctx any) *twheel.Timer {
	if w := wheel.Load(); w != nil {
		return w.UpdateCtx(t, ctx)
	}
	return nil
}

// TimeoutRemaining approximates the time until t fires.
func TimeoutRemaining(t *twheel.Timer) time.Duration {
	if w := wheel.Load(); w != nil {
		return w.Remaining(t)
	}
	return 0
}
