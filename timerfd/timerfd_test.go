// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timerfd

import (
	"testing"
	"time"
)

func TestInitResetsState(t *testing.T) {
	info := Info{Fd: 7, Period: 123, MissedWakeups: 9}
	Init(&info)
	if info.Fd != -1 || info.Period != 0 || info.MissedWakeups != 0 {
		t.Errorf("Init left state behind: %+v", info)
	}
}

func TestPrepareAndWait(t *testing.T) {
	var info Info
	Init(&info)
	info.Period = 10_000 // 10ms

	if err := Prepare(&info); err != nil {
		t.Fatal("Prepare failed:", err)
	}
	defer Close(&info)

	if info.Fd < 0 {
		t.Fatal("Prepare did not set fd")
	}

	start := time.Now()
	missed, err := Wait(&info)
	if err != nil {
		t.Fatal("Wait failed:", err)
	}
	if missed == 0 {
		t.Error("expected at least one expiration")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait blocked unexpectedly long: %v", elapsed)
	}
	if info.MissedWakeups < missed {
		t.Error("missed wakeups not accumulated")
	}
}

func TestMissedAccumulatesAcrossSleep(t *testing.T) {
	var info Info
	Init(&info)
	info.Period = 5_000 // 5ms

	if err := Prepare(&info); err != nil {
		t.Fatal("Prepare failed:", err)
	}
	defer Close(&info)

	// Sleep through several periods, then read once.
	time.Sleep(30 * time.Millisecond)
	missed, err := Wait(&info)
	if err != nil {
		t.Fatal("Wait failed:", err)
	}
	if missed < 2 {
		t.Errorf("expected multiple missed periods, got %d", missed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var info Info
	Init(&info)
	if err := Close(&info); err != nil {
		t.Error("Close on unprepared info must be a no-op:", err)
	}

	info.Period = 10_000
	if err := Prepare(&info); err != nil {
		t.Fatal("Prepare failed:", err)
	}
	if err := Close(&info); err != nil {
		t.Error("Close failed:", err)
	}
	if err := Close(&info); err != nil {
		t.Error("second Close must be a no-op:", err)
	}
}
