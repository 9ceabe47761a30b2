// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventthread

import (
	"code.hybscloud.com/spin"
)

// lfqCapacity bounds the in-flight message window per thread. Producers that
// catch the queue momentarily full spin until the consumer drains; callers
// needing real backpressure apply it above this layer.
const lfqCapacity = 16384

type msgType uint8

const (
	userMsg msgType = iota
	updownMsg
)

// message is the envelope moved through a thread's queue. The payload
// pointer's ownership transfers to the receiving thread on enqueue; the
// envelope itself is copied by value through the queue.
type message struct {
	typ            msgType
	payload        any
	updownThreadID uint32
}

// enqueue pushes m onto the thread's queue, spinning out a momentarily full
// queue. Multiple producers safe; the owning thread is the only consumer.
func (t *Thread) enqueue(m message) {
	sw := spin.Wait{}
	for t.queue.Enqueue(&m) != nil {
		sw.Once()
	}
}

// dequeue pops the next message, reporting false on an empty queue. Owning
// thread only.
func (t *Thread) dequeue() (message, bool) {
	m, err := t.queue.Dequeue()
	return m, err == nil
}
