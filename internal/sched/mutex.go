// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"sync/atomic"
	"time"

	"github.com/vali-os/core/internal/status"
)

// mutex value states, spec.md §4.3: 0 = unlocked, 1 = locked (no
// waiters), 2 = locked-with-waiters.
const (
	mutexUnlocked      uint32 = 0
	mutexLocked        uint32 = 1
	mutexLockedWaiters uint32 = 2
)

const mutexSpins = 1000

// MutexFlags mirrors librt/libos/threads/mutex.c's Mutex_t.Flags bit.
type MutexFlags int

const (
	MutexPlain MutexFlags = iota
	MutexRecursive MutexFlags = 1 << iota
)

// state packs (owner_tid:24, recursion_count:8), spec.md §4.3, grounded
// directly on mutex.c's __BUILD_STATE/__STATE_OWNER/__STATE_REFCOUNT.
const (
	stateOwnerShift = 8
	stateRefMask    = 0xFF
)

func buildState(owner uint32, refcount uint8) uint32 {
	return (owner << stateOwnerShift) | uint32(refcount)
}

func stateOwner(state uint32) uint32    { return state >> stateOwnerShift }
func stateRefcount(state uint32) uint8 { return uint8(state & stateRefMask) }

const invalidTID uint32 = 0xFFFFFFFF

// Mutex is a futex-backed mutex with optional recursion, spec.md §4.3.
type Mutex struct {
	value     uint32
	state     uint32
	flags     MutexFlags
	destroyed uint32
	multiCPU  bool
}

// NewMutex constructs a mutex. multiCPU enables the bounded spin phase
// before transitioning to value=2 and sleeping, mirroring mutex.c's
// MUTEX_SPINS loop, which only runs "on multi-CPU systems" per spec.md §4.3.
func NewMutex(flags MutexFlags, multiCPU bool) *Mutex {
	return &Mutex{state: buildState(invalidTID, 0), flags: flags, multiCPU: multiCPU}
}

func (m *Mutex) tryLockRecursive(tid uint32) bool {
	for {
		state := atomic.LoadUint32(&m.state)
		owner := stateOwner(state)
		refcount := stateRefcount(state)
		if refcount != 0 && owner == tid {
			newState := buildState(owner, refcount+1)
			if atomic.CompareAndSwapUint32(&m.state, state, newState) {
				return true
			}
			continue
		}
		return false
	}
}

// TryLock attempts a non-blocking acquire, mirroring MutexTryLock.
func (m *Mutex) TryLock(tid uint32) error {
	if atomic.LoadUint32(&m.destroyed) != 0 {
		return status.New(status.Cancelled, "mutex destroyed")
	}

	if m.flags&MutexRecursive != 0 && m.tryLockRecursive(tid) {
		return nil
	}

	if atomic.CompareAndSwapUint32(&m.value, mutexUnlocked, mutexLocked) {
		if m.flags&MutexRecursive != 0 {
			atomic.StoreUint32(&m.state, buildState(tid, 1))
		}
		return nil
	}
	return status.New(status.Busy, "mutex already locked")
}

// Lock acquires the mutex, spinning briefly on multi-CPU systems before
// falling back to a futex wait on m.value, mirroring mutex.c's Lock.
func (m *Mutex) Lock(tid uint32, timeout time.Duration) error {
	if err := m.TryLock(tid); err == nil {
		return nil
	} else if status.Of(err) == status.Cancelled {
		return err
	}

	if m.multiCPU {
		for i := 0; i < mutexSpins; i++ {
			if err := m.TryLock(tid); err == nil {
				return nil
			}
		}
	}

	for {
		if atomic.LoadUint32(&m.destroyed) != 0 {
			return status.New(status.Cancelled, "mutex destroyed")
		}

		prev := atomic.SwapUint32(&m.value, mutexLockedWaiters)
		if prev == mutexUnlocked {
			if m.flags&MutexRecursive != 0 {
				atomic.StoreUint32(&m.state, buildState(tid, 1))
			}
			return nil
		}

		res := Wait(&m.value, mutexLockedWaiters, timeout)
		switch res {
		case WaitTimedOut:
			return status.New(status.Timeout, "mutex lock timed out")
		case WaitInterrupted:
			return status.New(status.Interrupted, "mutex lock interrupted")
		}

		// Reacquire through the top of the loop, not TryLock: TryLock's
		// 0->1 CAS would drop the locked-with-waiters bit and strand any
		// other sleeper, where mutex.c:186's atomic_exchange(&Value, 2)
		// reacquires while keeping the waiters bit set.
	}
}

// Unlock releases one level of recursion, or the final release, mirroring
// mutex.c's Unlock: on the final release it swaps value to 0 and, if the
// previous value indicated waiters, wakes one.
func (m *Mutex) Unlock(tid uint32) {
	if m.flags&MutexRecursive != 0 {
		state := atomic.LoadUint32(&m.state)
		refcount := stateRefcount(state)
		if refcount > 1 {
			atomic.StoreUint32(&m.state, buildState(tid, refcount-1))
			return
		}
		atomic.StoreUint32(&m.state, buildState(invalidTID, 0))
	}

	prev := atomic.SwapUint32(&m.value, mutexUnlocked)
	if prev == mutexLockedWaiters {
		Wake(&m.value, 1)
	}
}

// Destroy flags the mutex destroyed and wakes every waiter with
// status.Cancelled (spec.md S2 scenario): further Lock calls fail
// immediately, and an in-flight Lock wakes and observes the destroyed
// flag on its next loop iteration.
func (m *Mutex) Destroy() {
	atomic.StoreUint32(&m.destroyed, 1)
	Wake(&m.value, int(^uint32(0)>>1))
}
