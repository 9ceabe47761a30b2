// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package ipc defines the callback-registration contract between an event
// thread and the external IPC transport. The transport installs its own file
// descriptors and timers into a thread's loop exclusively through the Infra
// callbacks, without knowing anything about the loop behind them. The
// transport itself lives outside this module.
package ipc

import (
	"fmt"
	"sync"
)

// HandlerCB is the transport's fd readiness handler.
type HandlerCB func(fd int, ctx any)

// TimerCB is the transport's timer expiry handler. The watcher handle passed
// is the one returned from TimerAdd.
type TimerCB func(watcher any, ctx any)

// Infra is the set of watcher factories an event thread exposes to the
// transport. Watcher handles returned by FDWatch/TimerAdd are opaque to the
// transport and must be passed back verbatim. The infra context identifies
// the owning event thread.
type Infra struct {
	FDWatch      func(fd int, cb HandlerCB, ipcCtx any, infraCtx any) any
	FDWatchCtx   any
	FDUnwatch    func(fd int, watcher any, infraCtx any)
	FDUnwatchCtx any
	TimerAdd     func(cb TimerCB, ipcCtx any, timeoutSeconds float64, infraCtx any) any
	TimerAddCtx  any
	TimerDel     func(watcher any, infraCtx any)
	TimerDelCtx  any
}

// Mode distinguishes the transport bring-up style requested by the thread.
type Mode int

const (
	// ModeNone means no transport has been initialized for the thread.
	ModeNone Mode = iota
	// ModeSync requests synchronous transport bring-up.
	ModeSync
	// ModeAsync requests asynchronous transport bring-up.
	ModeAsync
)

type registration struct {
	infra *Infra
	mode  Mode
}

var registry struct {
	sync.RWMutex
	byThread map[uint32]registration
}

// InitSync registers a thread's infra callbacks and requests synchronous
// transport initialization.
func InitSync(threadID uint32, infra *Infra) {
	register(threadID, infra, ModeSync)
}

// InitAsync registers a thread's infra callbacks and requests asynchronous
// transport initialization.
func InitAsync(threadID uint32, infra *Infra) {
	register(threadID, infra, ModeAsync)
}

func register(threadID uint32, infra *Infra, mode Mode) {
	if infra == nil {
		panic(fmt.Sprintf("ipc: nil infra for thread %d", threadID))
	}
	registry.Lock()
	if registry.byThread == nil {
		registry.byThread = make(map[uint32]registration)
	}
	registry.byThread[threadID] = registration{infra: infra, mode: mode}
	registry.Unlock()
}

// Deinit removes a thread's registration; called on thread exit.
func Deinit(threadID uint32) {
	registry.Lock()
	delete(registry.byThread, threadID)
	registry.Unlock()
}

// InfraFor returns the infra callbacks registered for a thread, or nil. The
// transport uses this to install watchers into the thread's loop.
func InfraFor(threadID uint32) *Infra {
	registry.RLock()
	defer registry.RUnlock()
	return registry.byThread[threadID].infra
}

// ModeFor returns the bring-up mode requested by a thread.
func ModeFor(threadID uint32) Mode {
	registry.RLock()
	defer registry.RUnlock()
	return registry.byThread[threadID].mode
}
