// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventthread

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-evcore/evloop"
)

// startThread spins up a thread and tears it down with the test.
func startThread(t *testing.T, name string, id uint32, cfg Config) *Thread {
	t.Helper()
	th, err := New(name, id, cfg)
	if err != nil {
		t.Fatal("New failed:", err)
	}
	if err := th.Start(nil); err != nil {
		t.Fatal("Start failed:", err)
	}
	th.WaitReady()
	t.Cleanup(func() {
		_ = th.Stop()
		th.WaitStopped()
		th.Destroy()
	})
	return th
}

func TestNewValidatesID(t *testing.T) {
	if _, err := New("bad", MaxThreadID+1, Config{}); err != ErrInvalidThreadID {
		t.Errorf("expected ErrInvalidThreadID, got %v", err)
	}
}

func TestNewRejectsDuplicateID(t *testing.T) {
	a, err := New("dup-a", 10, Config{})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer a.Destroy()

	if _, err := New("dup-b", 10, Config{}); err != ErrDuplicateID {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

// A payload sent into a running thread is delivered exactly once, in the
// target's context.
func TestMessageSendDelivery(t *testing.T) {
	type payload struct{ value uint64 }

	var deliveries atomic.Int32
	got := make(chan *payload, 1)

	target := startThread(t, "msg-target", 20, Config{
		Message: func(p any, _ any) {
			deliveries.Add(1)
			got <- p.(*payload)
		},
	})

	want := &payload{value: 0xdead}
	MessageSend(target.ID(), want)

	select {
	case p := <-got:
		if p != want {
			t.Errorf("expected payload %p, got %p", want, p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	time.Sleep(50 * time.Millisecond)
	if n := deliveries.Load(); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
}

// Messages from a single sender arrive in program order.
func TestMessageFIFOFromSingleSender(t *testing.T) {
	const n = 200

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	target := startThread(t, "fifo-target", 21, Config{
		Message: func(p any, _ any) {
			mu.Lock()
			order = append(order, p.(int))
			full := len(order) == n
			mu.Unlock()
			if full {
				close(done)
			}
		},
	})

	for i := 0; i < n; i++ {
		MessageSend(target.ID(), i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all messages delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("message %d delivered out of order (got %d)", i, v)
		}
	}
}

func TestMessageSendUnknownThreadPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown target")
		}
	}()
	MessageSend(255, "nobody home")
}

// Subscribe before the target starts: exactly one UP notification, in the
// subscriber's context.
func TestUpdownSubscribeBeforeUp(t *testing.T) {
	const subID, targetID = 30, 31

	var notifications atomic.Int32
	notified := make(chan uint32, 1)
	var subscriber *Thread

	subscriber = startThread(t, "updown-sub", subID, Config{
		Init: func(any) {
			UpdownUpSubscribe(targetID, func(threadID uint32, ctx any) {
				if Current() != subscriber {
					t.Error("updown callback ran outside the subscriber's context")
				}
				if ctx != "sub-ctx" {
					t.Errorf("expected ctx %q, got %v", "sub-ctx", ctx)
				}
				notifications.Add(1)
				notified <- threadID
			}, "sub-ctx")
		},
	})

	target := startThread(t, "updown-target", targetID, Config{})
	_ = target

	select {
	case id := <-notified:
		if id != targetID {
			t.Errorf("expected notification for %d, got %d", targetID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("UP notification never arrived")
	}

	time.Sleep(50 * time.Millisecond)
	if n := notifications.Load(); n != 1 {
		t.Errorf("expected exactly one notification, got %d", n)
	}
}

// Subscribe after the target is already up: the notification is synthesized
// immediately, still via the subscriber's queue.
func TestUpdownSubscribeAfterUp(t *testing.T) {
	const subID, targetID = 32, 33

	target := startThread(t, "late-target", targetID, Config{})
	_ = target

	notified := make(chan uint32, 1)
	startThread(t, "late-sub", subID, Config{
		Init: func(any) {
			UpdownUpSubscribe(targetID, func(threadID uint32, _ any) {
				notified <- threadID
			}, nil)
		},
	})

	select {
	case id := <-notified:
		if id != targetID {
			t.Errorf("expected notification for %d, got %d", targetID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber never notified")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	th, err := New("stopper", 40, Config{})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer th.Destroy()
	if err := th.Start(nil); err != nil {
		t.Fatal("Start failed:", err)
	}
	th.WaitReady()

	if err := th.Stop(); err != nil {
		t.Fatal("Stop failed:", err)
	}
	if err := th.Stop(); err != nil {
		t.Fatal("second Stop failed:", err)
	}
	th.WaitStopped()
	if th.Ready() {
		t.Error("thread still ready after stop")
	}
}

func TestInitAndExitCallbacks(t *testing.T) {
	type state struct{ initialized, exited atomic.Bool }
	st := &state{}

	th, err := New("lifecycle", 41, Config{
		Init: func(ctx any) {
			ctx.(*state).initialized.Store(true)
		},
		Exit: func(ctx any) {
			ctx.(*state).exited.Store(true)
		},
	})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer th.Destroy()
	if err := th.Start(st); err != nil {
		t.Fatal("Start failed:", err)
	}
	th.WaitReady()

	if !st.initialized.Load() {
		t.Error("init callback did not run before ready")
	}
	if st.exited.Load() {
		t.Error("exit callback ran early")
	}

	_ = th.Stop()
	th.WaitStopped()
	if !st.exited.Load() {
		t.Error("exit callback did not run")
	}
}

func TestSuspendResume(t *testing.T) {
	got := make(chan int, 4)
	th := startThread(t, "suspender", 42, Config{
		Message: func(p any, _ any) { got <- p.(int) },
	})

	suspended := make(chan struct{})
	if err := th.SuspendReq(func() { close(suspended) }); err != nil {
		t.Fatal("SuspendReq failed:", err)
	}

	select {
	case <-suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend function never ran")
	}

	// A second request while parked is rejected.
	if err := th.SuspendReq(nil); err != ErrSuspendPending {
		t.Errorf("expected ErrSuspendPending, got %v", err)
	}

	if err := th.ResumeReq(); err != nil {
		t.Fatal("ResumeReq failed:", err)
	}

	// The loop is live again: messages flow.
	MessageSend(th.ID(), 99)
	select {
	case v := <-got:
		if v != 99 {
			t.Errorf("expected 99, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("thread unresponsive after resume")
	}
}

func TestStopWhileSuspended(t *testing.T) {
	th, err := New("suspend-stop", 43, Config{})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer th.Destroy()
	if err := th.Start(nil); err != nil {
		t.Fatal("Start failed:", err)
	}
	th.WaitReady()

	suspended := make(chan struct{})
	if err := th.SuspendReq(func() { close(suspended) }); err != nil {
		t.Fatal("SuspendReq failed:", err)
	}
	<-suspended

	// Give the thread time to park.
	for i := 0; i < 100 && !th.Suspended(); i++ {
		time.Sleep(time.Millisecond)
	}

	if err := th.Stop(); err != nil {
		t.Fatal("Stop failed:", err)
	}
	done := make(chan struct{})
	go func() {
		th.WaitStopped()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not release a suspended thread")
	}
}

func TestWatcherAffinityViolationPanics(t *testing.T) {
	th := startThread(t, "affinity", 44, Config{})

	defer func() {
		if recover() == nil {
			t.Error("expected panic for foreign-thread watcher op")
		}
	}()
	var io IO
	IOInit(&io, func(*IO, int, evloop.Events) {}, 0, evloop.Read)
	th.IOStart(&io)
}

func TestLoopTimerInThreadContext(t *testing.T) {
	fired := make(chan struct{})
	startThread(t, "timers", 45, Config{
		Init: func(any) {
			timer := new(Timer)
			TimerInit(timer, func(*Timer) {
				close(fired)
				TimerStop(timer)
			}, 0.02, 0)
			TimerStart(timer)
		},
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("loop timer never fired")
	}
}

func TestTimestampNow(t *testing.T) {
	if now := TimestampNow(); now <= 0 {
		t.Error("TimestampNow outside a thread must return fresh time")
	}

	inThread := make(chan float64, 1)
	startThread(t, "timestamp", 46, Config{
		Init: func(any) {
			inThread <- TimestampNow()
		},
	})

	select {
	case ts := <-inThread:
		if ts <= 0 {
			t.Error("TimestampNow inside a thread returned zero")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("init callback never ran")
	}
}
