// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package slab implements a fixed-size object allocator backed by a doubly
// linked list of blocks. Each block owns an arena of elements, a per-element
// in-use byte, and an index-threaded free list, so allocation and free are
// O(1) within a block and never touch the Go heap on the hot path.
//
// Slabs are used to back timer wheel entries and other small hot-path
// records. With WithThreadSafe a single spinlock guards the whole slab; the
// critical sections are short pointer manipulations.
package slab

import (
	"errors"
	"unsafe"

	"code.hybscloud.com/atomix"
	"github.com/joeycumines/go-evcore/internal/spinlock"
)

// Standard errors.
var (
	// ErrOutOfMemory is returned when no element is free and the slab is not
	// allowed to grow.
	ErrOutOfMemory = errors.New("slab: out of memory")

	// ErrInvalidPointer is returned by Free for a pointer that is not an
	// in-use element of this slab.
	ErrInvalidPointer = errors.New("slab: pointer does not belong to slab")

	// ErrInvalidArg is returned by New for out-of-range parameters.
	ErrInvalidArg = errors.New("slab: invalid argument")
)

// freeListEnd terminates the per-block free list.
const freeListEnd = -1

type options struct {
	threadSafe   bool
	growOnDemand bool
	zeroOnAlloc  bool
}

// Option configures a Slab.
type Option func(*options)

// WithThreadSafe guards alloc/free/walk with a spinlock.
func WithThreadSafe(enabled bool) Option {
	return func(o *options) { o.threadSafe = enabled }
}

// WithGrowOnDemand allows the slab to allocate additional blocks when all
// existing blocks are full, and to release blocks that become empty.
func WithGrowOnDemand(enabled bool) Option {
	return func(o *options) { o.growOnDemand = enabled }
}

// WithZeroOnAlloc zeroes each element before it is returned from Alloc.
// Zeroing happens outside the slab lock.
func WithZeroOnAlloc(enabled bool) Option {
	return func(o *options) { o.zeroOnAlloc = enabled }
}

// Stats is a point-in-time snapshot of slab counters.
type Stats struct {
	NumAllocs     int64
	NumFrees      int64
	NumInUse      int64
	NumBlocks     int64
	NumAllocFails int64
}

// block holds one arena of elements. The free list is threaded through
// freeNext by element index; inUse mirrors the per-element meta byte of the
// wire layout. An element is on the free list iff its inUse byte is clear.
type block[T any] struct {
	prev, next *block[T]
	numInUse   int
	freeHead   int32
	freeNext   []int32
	inUse      []byte
	elems      []T
}

// Slab is a thread-safe (optionally) fixed-size allocator for T.
type Slab[T any] struct {
	name          string
	elemsPerBlock int
	threadSafe    bool
	growOnDemand  bool
	zeroOnAlloc   bool

	lock      spinlock.Lock
	blockHead *block[T]

	numAllocs     atomix.Int64
	numFrees      atomix.Int64
	numInUse      atomix.Int64
	numBlocks     atomix.Int64
	numAllocFails atomix.Int64
}

// New creates a slab of T with the given number of elements per block.
// No block is allocated until the first Alloc.
func New[T any](name string, elemsPerBlock int, opts ...Option) (*Slab[T], error) {
	if elemsPerBlock <= 1 {
		return nil, ErrInvalidArg
	}
	if unsafe.Sizeof(*new(T)) == 0 {
		return nil, ErrInvalidArg
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Slab[T]{
		name:          name,
		elemsPerBlock: elemsPerBlock,
		threadSafe:    o.threadSafe,
		growOnDemand:  o.growOnDemand,
		zeroOnAlloc:   o.zeroOnAlloc,
	}, nil
}

// Name returns the slab's name.
func (s *Slab[T]) Name() string { return s.name }

func (s *Slab[T]) lockSlab() {
	if s.threadSafe {
		s.lock.Acquire()
	}
}

func (s *Slab[T]) unlockSlab() {
	if s.threadSafe {
		s.lock.Release()
	}
}

// allocBlock allocates and initializes a new block, threading every element
// onto the free list.
func (s *Slab[T]) allocBlock() *block[T] {
	b := &block[T]{
		elems:    make([]T, s.elemsPerBlock),
		inUse:    make([]byte, s.elemsPerBlock),
		freeNext: make([]int32, s.elemsPerBlock),
		freeHead: 0,
	}
	for i := 0; i < s.elemsPerBlock-1; i++ {
		b.freeNext[i] = int32(i + 1)
	}
	b.freeNext[s.elemsPerBlock-1] = freeListEnd
	s.numBlocks.Add(1)
	return b
}

// Alloc returns a free element, growing the slab when permitted. Returns
// ErrOutOfMemory when every block is full and grow-on-demand is off.
func (s *Slab[T]) Alloc() (*T, error) {
	s.lockSlab()

	b := s.blockHead
	for b != nil && b.freeHead == freeListEnd {
		b = b.next
	}

	if b == nil {
		if s.growOnDemand || s.blockHead == nil {
			b = s.allocBlock()
			b.next = s.blockHead
			if s.blockHead != nil {
				s.blockHead.prev = b
			}
			s.blockHead = b
		} else {
			s.numAllocFails.Add(1)
			s.unlockSlab()
			return nil, ErrOutOfMemory
		}
	}

	idx := b.freeHead
	b.freeHead = b.freeNext[idx]
	b.freeNext[idx] = freeListEnd
	b.inUse[idx] = 1
	b.numInUse++
	s.numAllocs.Add(1)
	s.numInUse.Add(1)
	elem := &b.elems[idx]

	s.unlockSlab()

	if s.zeroOnAlloc {
		var zero T
		*elem = zero
	}
	return elem, nil
}

// findBlock locates the block owning elem by pointer-range containment, and
// the element's index within it. O(blocks); block counts stay small.
func (s *Slab[T]) findBlock(elem *T) (*block[T], int32) {
	p := uintptr(unsafe.Pointer(elem))
	sz := unsafe.Sizeof(*elem)
	for b := s.blockHead; b != nil; b = b.next {
		base := uintptr(unsafe.Pointer(&b.elems[0]))
		if p >= base && p < base+sz*uintptr(len(b.elems)) {
			if (p-base)%sz != 0 {
				return nil, 0
			}
			return b, int32((p - base) / sz)
		}
	}
	return nil, 0
}

// Free returns elem to its owning block. Double frees and pointers that do
// not belong to any live block fail with ErrInvalidPointer.
func (s *Slab[T]) Free(elem *T) error {
	if elem == nil {
		return ErrInvalidPointer
	}

	s.lockSlab()

	b, idx := s.findBlock(elem)
	if b == nil || b.inUse[idx] == 0 {
		s.unlockSlab()
		return ErrInvalidPointer
	}

	b.freeNext[idx] = b.freeHead
	b.freeHead = idx
	b.inUse[idx] = 0
	b.numInUse--
	s.numFrees.Add(1)
	s.numInUse.Add(-1)

	// Release a fully empty block, but never the only remaining one.
	if b.numInUse == 0 && s.growOnDemand && (b.next != nil || b.prev != nil) {
		s.freeBlock(b)
	}

	s.unlockSlab()
	return nil
}

func (s *Slab[T]) freeBlock(b *block[T]) {
	if s.blockHead == b {
		s.blockHead = b.next
		if b.next != nil {
			b.next.prev = nil
		}
	} else {
		b.prev.next = b.next
		if b.next != nil {
			b.next.prev = b.prev
		}
	}
	b.prev, b.next = nil, nil
	s.numBlocks.Add(-1)
}

// Walk visits every in-use element until cb returns true.
func (s *Slab[T]) Walk(cb func(elem *T) bool) {
	if cb == nil {
		return
	}
	s.lockSlab()
	defer s.unlockSlab()
	for b := s.blockHead; b != nil; b = b.next {
		if b.numInUse == 0 {
			continue
		}
		for i := range b.elems {
			if b.inUse[i] != 0 && cb(&b.elems[i]) {
				return
			}
		}
	}
}

// Stats returns a snapshot of the slab counters.
func (s *Slab[T]) Stats() Stats {
	return Stats{
		NumAllocs:     s.numAllocs.Load(),
		NumFrees:      s.numFrees.Load(),
		NumInUse:      s.numInUse.Load(),
		NumBlocks:     s.numBlocks.Load(),
		NumAllocFails: s.numAllocFails.Load(),
	}
}
