// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evloop

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestTimerFiresAndBreaks(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	var fired atomic.Bool
	var timer Timer
	timer.Init(func(*Timer) {
		fired.Store(true)
		l.Break()
	}, 0.02, 0)

	l.TimerStart(&timer)
	start := time.Now()
	if err := l.Run(); err != nil {
		t.Fatal("Run failed:", err)
	}

	if !fired.Load() {
		t.Fatal("timer did not fire")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("timer fired too early: %v", elapsed)
	}
}

func TestRepeatingTimer(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	count := 0
	var timer Timer
	timer.Init(func(*Timer) {
		count++
		if count == 3 {
			l.TimerStop(&timer)
			l.Break()
		}
	}, 0.01, 0.01)

	l.TimerStart(&timer)
	if err := l.Run(); err != nil {
		t.Fatal("Run failed:", err)
	}
	if count != 3 {
		t.Errorf("expected 3 firings, got %d", count)
	}
	if timer.Active() {
		t.Error("timer still active after stop")
	}
}

func TestTimerAgainRestartsRepeat(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	var oneShot Timer
	oneShot.Init(func(*Timer) {}, 0.01, 0)
	l.TimerStart(&oneShot)
	l.TimerAgain(&oneShot)
	if oneShot.Active() {
		t.Error("Again on a non-repeating timer must stop it")
	}

	fired := false
	var repeating Timer
	repeating.Init(func(*Timer) {
		fired = true
		l.TimerStop(&repeating)
		l.Break()
	}, 10, 0.01) // long initial delay, short repeat
	l.TimerStart(&repeating)
	l.TimerAgain(&repeating) // reschedule off the repeat interval
	if err := l.Run(); err != nil {
		t.Fatal("Run failed:", err)
	}
	if !fired {
		t.Error("repeating timer did not fire after Again")
	}
}

func TestAsyncWakesFromOtherGoroutine(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	var handled atomic.Int32
	var async Async
	async.Init(func(*Async) {
		handled.Add(1)
		l.Break()
	})
	l.AsyncStart(&async)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run()
	}()

	time.Sleep(20 * time.Millisecond)
	async.Send()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async send did not wake the loop")
	}
	if handled.Load() != 1 {
		t.Errorf("expected 1 async invocation, got %d", handled.Load())
	}
}

func TestAsyncSendsCoalesce(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	var handled atomic.Int32
	var async Async
	async.Init(func(*Async) {
		handled.Add(1)
	})
	l.AsyncStart(&async)

	// Multiple sends before the loop runs must collapse into one handler
	// invocation.
	async.Send()
	async.Send()
	async.Send()

	var breaker Timer
	breaker.Init(func(*Timer) { l.Break() }, 0.05, 0)
	l.TimerStart(&breaker)

	if err := l.Run(); err != nil {
		t.Fatal("Run failed:", err)
	}
	if handled.Load() != 1 {
		t.Errorf("expected coalesced single invocation, got %d", handled.Load())
	}
}

func TestPrepareRunsBeforeWait(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	prepared := 0
	var prepare Prepare
	prepare.Init(func(*Prepare) {
		prepared++
	})
	l.PrepareStart(&prepare)

	var breaker Timer
	breaker.Init(func(*Timer) { l.Break() }, 0.02, 0)
	l.TimerStart(&breaker)

	if err := l.Run(); err != nil {
		t.Fatal("Run failed:", err)
	}
	if prepared == 0 {
		t.Error("prepare watcher never ran")
	}

	l.PrepareStop(&prepare)
	if prepare.active {
		t.Error("prepare still active after stop")
	}
}

func TestIOWatcherDispatch(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal("pipe failed:", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var got []byte
	var io IO
	io.Init(func(_ *IO, fd int, revents Events) {
		if revents&Read == 0 {
			t.Error("expected readable event")
		}
		buf := make([]byte, 16)
		n, _ := unix.Read(fd, buf)
		got = buf[:n]
		l.Break()
	}, fds[0], Read)

	if err := l.IOStart(&io); err != nil {
		t.Fatal("IOStart failed:", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = unix.Write(fds[1], []byte("ping"))
	}()

	if err := l.Run(); err != nil {
		t.Fatal("Run failed:", err)
	}
	if string(got) != "ping" {
		t.Errorf("expected %q, got %q", "ping", got)
	}

	if err := l.IOStop(&io); err != nil {
		t.Fatal("IOStop failed:", err)
	}
	if err := l.IOStop(&io); err != nil {
		t.Error("IOStop must be idempotent:", err)
	}
}

func TestRunAfterBreakResumes(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	runs := 0
	var timer Timer
	timer.Init(func(*Timer) {
		runs++
		l.Break()
	}, 0.01, 0.01)
	l.TimerStart(&timer)

	_ = l.Run()
	_ = l.Run()
	if runs != 2 {
		t.Errorf("expected loop to resume across Run calls, got %d firings", runs)
	}
}

func TestNowCachedPerIteration(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer l.Close()

	if l.Now() <= 0 {
		t.Error("cached now not initialized")
	}
	before := Time()
	l.UpdateNow()
	if l.Now() < before-1 {
		t.Error("UpdateNow went backwards")
	}
}

func TestCloseTerminates(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal("New failed:", err)
	}
	if err := l.Close(); err != nil {
		t.Fatal("Close failed:", err)
	}
	if err := l.Close(); err != ErrLoopTerminated {
		t.Errorf("second Close: expected ErrLoopTerminated, got %v", err)
	}
	if err := l.Run(); err != ErrLoopTerminated {
		t.Errorf("Run on closed loop: expected ErrLoopTerminated, got %v", err)
	}
}
