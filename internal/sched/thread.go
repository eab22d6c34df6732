// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import "fmt"

// State enumerates the scheduling states a Thread may occupy, spec.md
// §3's Thread state set. Invariant: a thread in one of the blocked
// states appears on exactly one wait list — enforced by RunQueue and
// the wait primitives cooperating to always remove before re-adding.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlockedFutex
	StateBlockedHandle
	StateSleeping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlockedFutex:
		return "blocked-on-futex"
	case StateBlockedHandle:
		return "blocked-on-handle"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StackRegion is one of a thread's three stack allocations.
type StackRegion struct {
	Base   uintptr
	Length uintptr
}

// Thread is the scheduler's unit of execution, spec.md §3's Thread
// type.
type Thread struct {
	ID        uint32
	ProcessID uint32

	Context Context

	KernelStack StackRegion
	UserStack   StackRegion
	SignalStack StackRegion

	Idle bool
	TLS  *TLSBlock

	IPCArena interface{}

	state       State
	waitAddr    *uint32
	waitHandle  uint32
	sleepDeadline int64
}

// NewThread allocates a thread in the ready state with a fresh TLS
// block.
func NewThread(id, processID uint32) *Thread {
	return &Thread{
		ID:        id,
		ProcessID: processID,
		TLS:       NewTLSBlock(),
		state:     StateReady,
	}
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

// SetReady transitions to ready, clearing whatever blocking condition
// the thread was previously waiting on.
func (t *Thread) SetReady() {
	t.state = StateReady
	t.waitAddr = nil
	t.waitHandle = 0
	t.sleepDeadline = 0
}

// SetRunning transitions to running.
func (t *Thread) SetRunning() { t.state = StateRunning }

// SetBlockedFutex transitions to blocked-on-futex(addr).
func (t *Thread) SetBlockedFutex(addr *uint32) {
	t.state = StateBlockedFutex
	t.waitAddr = addr
}

// SetBlockedHandle transitions to blocked-on-handle(h).
func (t *Thread) SetBlockedHandle(handle uint32) {
	t.state = StateBlockedHandle
	t.waitHandle = handle
}

// SetSleeping transitions to sleeping(deadline), deadline being a
// monotonic-clock nanosecond timestamp supplied by the caller (the
// thread record never reads the clock itself).
func (t *Thread) SetSleeping(deadlineNanos int64) {
	t.state = StateSleeping
	t.sleepDeadline = deadlineNanos
}

// SleepDeadline returns the deadline set by SetSleeping.
func (t *Thread) SleepDeadline() int64 { return t.sleepDeadline }

// Terminate transitions to terminated and runs TLS destructors, per
// spec.md §4.4's thread teardown passing through TLS cleanup.
func (t *Thread) Terminate() {
	t.state = StateTerminated
	if t.TLS != nil {
		t.TLS.RunDestructors(DefaultDestructorPasses)
	}
}
