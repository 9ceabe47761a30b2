// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package trace is the process-wide structured trace facade used by every
// evcore package. It wraps a type-erased logiface logger so applications can
// plug in whatever backend they already use; the default writes JSON to
// stderr via stumpy at warning level.
package trace

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var global struct {
	sync.RWMutex
	logger *logiface.Logger[logiface.Event]
}

func init() {
	global.logger = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelWarning),
	).Logger()
}

// SetLogger replaces the process-wide logger. Pass the result of
// yourLogger.Logger() to adapt any logiface implementation.
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	global.Lock()
	global.logger = logger
	global.Unlock()
}

// Logger returns the current process-wide logger.
func Logger() *logiface.Logger[logiface.Event] {
	global.RLock()
	l := global.logger
	global.RUnlock()
	return l
}

// Err starts an error-level event.
func Err() *logiface.Builder[logiface.Event] { return Logger().Err() }

// Warning starts a warning-level event.
func Warning() *logiface.Builder[logiface.Event] { return Logger().Warning() }

// Info starts an info-level event.
func Info() *logiface.Builder[logiface.Event] { return Logger().Info() }

// Debug starts a debug-level event.
func Debug() *logiface.Builder[logiface.Event] { return Logger().Debug() }

// Verbose starts a trace-level event.
func Verbose() *logiface.Builder[logiface.Event] { return Logger().Trace() }
