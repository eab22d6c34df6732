// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sched implements the scheduler and wait-primitive core (spec.md
// C3/C4 / §4.3/§4.4): per-CPU run queues, futex wait/wake, mutex/condition
// built on futex, thread-local storage, and context-interceptor push.
//
// The futex backend is split by build tag the way pkg/utils/schedcore
// splits Linux-only scheduler syscalls from a portable fallback: Linux
// gets the real futex(2) syscall via golang.org/x/sys/unix, everything
// else gets an in-process simulator with identical semantics.
package sched

import (
	"time"

	"github.com/vali-os/core/internal/status"
)

// WaitResult is the tri-state a blocking primitive returns, spec.md §4.3.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimedOut
	WaitInterrupted
)

// futexBackend abstracts the platform-specific wait/wake call; see
// futex_linux.go and futex_other.go.
type futexBackend interface {
	wait(addr *uint32, expected uint32, timeout time.Duration) WaitResult
	wake(addr *uint32, count int) int
}

var backend futexBackend = newFutexBackend()

// Wait atomically checks *addr == expected and, if so, blocks the calling
// goroutine on addr's bucket until woken, timed out, or interrupted,
// spec.md §4.3. A zero timeout means wait forever.
func Wait(addr *uint32, expected uint32, timeout time.Duration) WaitResult {
	r := backend.wait(addr, expected, timeout)
	futexWaitTotal.WithLabelValues(waitResultLabel(r)).Inc()
	return r
}

// Wake removes up to count waiters from addr's bucket and marks them
// ready, returning how many were actually woken.
func Wake(addr *uint32, count int) int {
	woken := backend.wake(addr, count)
	futexWakeTotal.Add(float64(woken))
	return woken
}

// waitResultToStatus maps a WaitResult onto the status-coded errors
// spec.md §7 uses for mutex/condition callers.
func waitResultToStatus(r WaitResult) error {
	switch r {
	case WaitOK:
		return nil
	case WaitTimedOut:
		return status.New(status.Timeout, "futex wait timed out")
	case WaitInterrupted:
		return status.New(status.Interrupted, "futex wait interrupted")
	default:
		return status.New(status.Unknown, "unknown futex wait result")
	}
}

// WaitErr is Wait wrapped to return a status-coded error instead of the
// raw WaitResult, for callers (mutex, condition) that propagate spec.md
// §7 error kinds directly.
func WaitErr(addr *uint32, expected uint32, timeout time.Duration) error {
	return waitResultToStatus(Wait(addr, expected, timeout))
}
