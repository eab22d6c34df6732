// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"sync/atomic"
	"time"
)

// Condition is a futex-backed condition variable, spec-derived (no
// standalone condition-variable source ships alongside mutex.c): a
// generation counter is the futex word, Wait snapshots it before
// releasing the associated mutex and blocks until the counter changes,
// Signal/Broadcast bump it and wake.
type Condition struct {
	generation uint32
}

// NewCondition constructs a zeroed condition variable.
func NewCondition() *Condition {
	return &Condition{}
}

// Wait releases mu, blocks until signalled/timed out/interrupted, then
// reacquires mu before returning, mirroring pthread_cond_wait's
// atomic-release-and-sleep contract.
func (c *Condition) Wait(mu *Mutex, tid uint32, timeout time.Duration) error {
	gen := atomic.LoadUint32(&c.generation)
	mu.Unlock(tid)
	res := Wait(&c.generation, gen, timeout)
	if err := mu.Lock(tid, 0); err != nil {
		return err
	}
	return waitResultToStatus(res)
}

// Signal wakes one waiter.
func (c *Condition) Signal() {
	atomic.AddUint32(&c.generation, 1)
	Wake(&c.generation, 1)
}

// Broadcast wakes every waiter.
func (c *Condition) Broadcast() {
	atomic.AddUint32(&c.generation, 1)
	Wake(&c.generation, int(^uint32(0)>>1))
}
