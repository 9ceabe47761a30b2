// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventthread

import (
	"fmt"
	"sync"
)

type updownStatus uint8

const (
	threadDown updownStatus = iota
	threadUp
)

// updownMgr is the process-wide thread-liveness pub/sub. Only UP transitions
// are delivered, and always through the subscriber's own message queue —
// never as a direct callback on the publisher's thread — so subscriber
// callbacks are reentrancy-safe by construction.
type updownMgr struct {
	mu            sync.Mutex
	status        map[uint32]updownStatus
	subscriptions map[uint32]map[uint32]struct{}
}

var updown = updownMgr{
	status:        make(map[uint32]updownStatus),
	subscriptions: make(map[uint32]map[uint32]struct{}),
}

// subscribe registers subscriber for target's UP transitions. If target is
// already UP the subscriber receives an immediate notification through its
// queue. Self-subscription is a programming error.
func (u *updownMgr) subscribe(subscriber, target uint32) {
	if subscriber == target {
		panic(fmt.Sprintf("eventthread: thread %d subscribing to itself", subscriber))
	}
	if subscriber > MaxThreadID || target > MaxThreadID {
		panic(fmt.Sprintf("eventthread: updown subscribe %d -> %d out of range", subscriber, target))
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status[target] == threadUp {
		s := lookupThread(subscriber)
		if s == nil {
			panic(fmt.Sprintf("eventthread: updown subscriber %d not registered", subscriber))
		}
		s.handleThreadUp(target)
	}
	subs := u.subscriptions[target]
	if subs == nil {
		subs = make(map[uint32]struct{})
		u.subscriptions[target] = subs
	}
	subs[subscriber] = struct{}{}
}

// up marks a thread UP and notifies its subscribers. Marking a thread UP
// twice without an intervening down is a programming error.
func (u *updownMgr) up(threadID uint32) {
	if threadID > MaxThreadID {
		panic(fmt.Sprintf("eventthread: updown up %d out of range", threadID))
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status[threadID] == threadUp {
		panic(fmt.Sprintf("eventthread: thread %d is already up", threadID))
	}
	u.status[threadID] = threadUp
	for subscriber := range u.subscriptions[threadID] {
		s := lookupThread(subscriber)
		if s == nil {
			panic(fmt.Sprintf("eventthread: updown subscriber %d not registered", subscriber))
		}
		s.handleThreadUp(threadID)
	}
}

// down records a thread DOWN. No notification is delivered.
func (u *updownMgr) down(threadID uint32) {
	if threadID > MaxThreadID {
		panic(fmt.Sprintf("eventthread: updown down %d out of range", threadID))
	}
	u.mu.Lock()
	u.status[threadID] = threadDown
	u.mu.Unlock()
}
