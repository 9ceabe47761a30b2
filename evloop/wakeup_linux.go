//go:build linux

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evloop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// createWakeFd creates the eventfd used to interrupt a blocking poll.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// signalWakeFd makes the wake fd readable. Safe from any goroutine.
func signalWakeFd(fd int) error {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(fd, buf)
	return err
}

// drainWakeFd consumes pending wakeups until the fd would block.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
