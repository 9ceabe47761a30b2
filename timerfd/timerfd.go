// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package timerfd wraps the Linux timerfd facility for periodic monotonic
// wakeups. The fd is usable with poll/select, but the typical consumer just
// blocks in Wait.
package timerfd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-evcore/trace"
)

// Info carries the state of one timer fd.
type Info struct {
	Fd            int
	Period        uint64 // microseconds
	MissedWakeups uint64
}

// Init resets info to its unprepared state.
func Init(info *Info) {
	info.Fd = -1
	info.Period = 0
	info.MissedWakeups = 0
}

// Prepare creates a monotonic periodic timer fd firing every info.Period
// microseconds.
func Prepare(info *Info) error {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return err
	}
	info.MissedWakeups = 0
	info.Fd = fd

	tspec := unix.NsecToTimespec(int64(info.Period) * 1000)
	itspec := unix.ItimerSpec{
		Interval: tspec,
		Value:    tspec,
	}
	if err := unix.TimerfdSettime(fd, 0, &itspec, nil); err != nil {
		_ = unix.Close(fd)
		info.Fd = -1
		return err
	}
	return nil
}

// Wait blocks until the timer next expires and returns the number of
// expirations since the previous read. The raw error (including unix.EINTR)
// is returned for the caller to classify.
func Wait(info *Info) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(info.Fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, unix.EIO
	}
	missed := binary.NativeEndian.Uint64(buf[:])
	if missed > 1 {
		trace.Verbose().Uint64("missed", missed).
			Log("timerfd: missed wakeups")
	}
	info.MissedWakeups += missed
	return missed, nil
}

// Close releases the fd.
func Close(info *Info) error {
	if info.Fd < 0 {
		return nil
	}
	err := unix.Close(info.Fd)
	info.Fd = -1
	return err
}
