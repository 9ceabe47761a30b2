// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventthread

import (
	"runtime"
	"sync"
)

// current maps goroutine id -> owning event thread, the moral equivalent of
// a thread-local. Entries exist only while the thread's run loop is live.
var current struct {
	sync.RWMutex
	byGoroutine map[uint64]*Thread
}

func setCurrent(t *Thread) {
	id := getGoroutineID()
	current.Lock()
	if current.byGoroutine == nil {
		current.byGoroutine = make(map[uint64]*Thread)
	}
	current.byGoroutine[id] = t
	current.Unlock()
}

func clearCurrent() {
	id := getGoroutineID()
	current.Lock()
	delete(current.byGoroutine, id)
	current.Unlock()
}

// Current returns the event thread owning the calling goroutine, or nil when
// called from outside any event thread's run loop.
func Current() *Thread {
	id := getGoroutineID()
	current.RLock()
	t := current.byGoroutine[id]
	current.RUnlock()
	return t
}

// getGoroutineID parses the goroutine id out of the stack header. Slow-ish,
// but only paid on watcher mutation and subscription paths, never per event.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
