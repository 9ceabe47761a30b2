// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package spinlock provides the test-and-test-and-set lock guarding slab
// block lists and timer wheel slices. Critical sections in those structures
// are a handful of pointer writes, short enough that parking the goroutine
// costs more than spinning.
package spinlock

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

const (
	unlocked = 0
	locked   = 1
)

// Lock is a spinlock. The zero value is unlocked. Must not be copied after
// first use.
type Lock struct {
	state atomix.Uint64
}

// Acquire spins until the lock is held by the caller.
func (l *Lock) Acquire() {
	sw := spin.Wait{}
	for {
		if l.state.LoadRelaxed() == unlocked &&
			l.state.CompareAndSwapAcqRel(unlocked, locked) {
			return
		}
		sw.Once()
	}
}

// TryAcquire attempts to take the lock without spinning.
func (l *Lock) TryAcquire() bool {
	return l.state.LoadRelaxed() == unlocked &&
		l.state.CompareAndSwapAcqRel(unlocked, locked)
}

// Release unlocks. Calling Release on an unlocked Lock is a programming
// error and corrupts the lock state.
func (l *Lock) Release() {
	l.state.StoreRelease(unlocked)
}
