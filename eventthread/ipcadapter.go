// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventthread

import (
	"github.com/joeycumines/go-evcore/evloop"
	"github.com/joeycumines/go-evcore/ipc"
	"github.com/joeycumines/go-evcore/trace"
)

// ipcFDWatcher wraps a transport fd handler in a loop IO watcher.
type ipcFDWatcher struct {
	io  evloop.IO
	cb  ipc.HandlerCB
	ctx any
}

// ipcTimerWatcher wraps a transport timer handler in a one-shot loop timer.
type ipcTimerWatcher struct {
	timer evloop.Timer
	cb    ipc.TimerCB
	ctx   any
}

func (t *Thread) createIPCFDWatcher(fd int, cb ipc.HandlerCB, ipcCtx any) any {
	w := &ipcFDWatcher{cb: cb, ctx: ipcCtx}
	w.io.Init(func(_ *evloop.IO, fd int, _ evloop.Events) {
		measure("ipc_io", func() { w.cb(fd, w.ctx) })
	}, fd, evloop.Read)
	if err := t.loop.IOStart(&w.io); err != nil {
		trace.Err().Err(err).Str("thread", t.name).Int("fd", fd).
			Log("eventthread: ipc fd watch failed")
		return nil
	}
	return w
}

func (t *Thread) deleteIPCFDWatcher(watcher any) {
	w := watcher.(*ipcFDWatcher)
	_ = t.loop.IOStop(&w.io)
}

func (t *Thread) createIPCTimerWatcher(cb ipc.TimerCB, ipcCtx any, timeoutSeconds float64) any {
	w := &ipcTimerWatcher{cb: cb, ctx: ipcCtx}
	w.timer.Init(func(*evloop.Timer) {
		measure("ipc_timer", func() { w.cb(w, w.ctx) })
	}, timeoutSeconds, 0)
	t.loop.TimerStart(&w.timer)
	return w
}

func (t *Thread) deleteIPCTimerWatcher(watcher any) {
	w := watcher.(*ipcTimerWatcher)
	t.loop.TimerStop(&w.timer)
}

// buildInfra assembles the watcher-factory contract handed to the external
// transport during thread bring-up. The infra context is the thread itself.
func (t *Thread) buildInfra() *ipc.Infra {
	return &ipc.Infra{
		FDWatch: func(fd int, cb ipc.HandlerCB, ipcCtx any, infraCtx any) any {
			return infraCtx.(*Thread).createIPCFDWatcher(fd, cb, ipcCtx)
		},
		FDWatchCtx: t,
		FDUnwatch: func(_ int, watcher any, infraCtx any) {
			infraCtx.(*Thread).deleteIPCFDWatcher(watcher)
		},
		FDUnwatchCtx: t,
		TimerAdd: func(cb ipc.TimerCB, ipcCtx any, timeoutSeconds float64, infraCtx any) any {
			return infraCtx.(*Thread).createIPCTimerWatcher(cb, ipcCtx, timeoutSeconds)
		},
		TimerAddCtx: t,
		TimerDel: func(watcher any, infraCtx any) {
			infraCtx.(*Thread).deleteIPCTimerWatcher(watcher)
		},
		TimerDelCtx: t,
	}
}
