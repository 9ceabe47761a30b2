//go:build linux

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// initialFDs sizes the direct-indexed fd table; it grows on demand.
const initialFDs = 1024

// Standard errors.
var (
	ErrFDOutOfRange        = errors.New("evloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("evloop: fd already registered")
	ErrFDNotRegistered     = errors.New("evloop: fd not registered")
	ErrPollerClosed        = errors.New("evloop: poller closed")
)

// fdInfo stores per-FD dispatch state.
type fdInfo struct {
	callback func(Events)
	events   Events
	active   bool
}

// poller wraps epoll with direct fd indexing. It is confined to the loop
// goroutine: watcher mutation is only legal from loop context, and dispatch
// happens inline during poll, so no locking is needed.
type poller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	closed   bool
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make([]fdInfo, initialFDs)
	return nil
}

func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func (p *poller) register(fd int, events Events, cb func(Events)) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if fd >= len(p.fds) {
		grown := make([]fdInfo, fd*2+1)
		copy(grown, p.fds)
		p.fds = grown
	}
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.fds[fd] = fdInfo{}
		return err
	}
	return nil
}

func (p *poller) unregister(fd int) error {
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// poll blocks for up to timeoutMS (-1 = indefinitely) and dispatches ready
// events inline. EINTR is swallowed; the caller just iterates again.
func (p *poller) poll(timeoutMS int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= len(p.fds) {
			continue
		}
		info := p.fds[fd]
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&Read != 0 {
		e |= unix.EPOLLIN
	}
	if events&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Write
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= Read
	}
	return events
}
