// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"sync"

	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/telemetry"
)

var schedLog = telemetry.Logger("sched")

// RunQueue is one CPU's ready queue plus its idle thread, spec.md
// §4.3's "each CPU has its own ready queue and idle thread", grounded
// on virtcontainers/persist's mutex-guarded registry pattern applied to
// a FIFO instead of a map.
type RunQueue struct {
	mu      sync.Mutex
	ready   []*Thread
	idle    *Thread
	current *Thread
}

// NewRunQueue constructs an empty run queue with idle as its fallback
// thread when nothing else is ready.
func NewRunQueue(idle *Thread) *RunQueue {
	idle.Idle = true
	return &RunQueue{idle: idle, current: idle}
}

// Enqueue appends a ready thread to the tail of the queue.
func (q *RunQueue) Enqueue(t *Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.SetReady()
	q.ready = append(q.ready, t)
}

// PickNext dequeues and returns the head of the ready queue, or the
// idle thread if the queue is empty, mirroring a cooperative scheduler
// with no priority levels.
func (q *RunQueue) PickNext() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		q.current = q.idle
		q.idle.SetRunning()
		return q.idle
	}
	next := q.ready[0]
	q.ready = q.ready[1:]
	next.SetRunning()
	q.current = next
	return next
}

// Current returns the thread presently occupying the CPU.
func (q *RunQueue) Current() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Yield is the cooperative suspension point: the running thread
// re-enters the ready queue tail and the next ready thread (or idle) is
// selected, spec.md §4.3's explicit-yield suspension point.
func (q *RunQueue) Yield(self *Thread) *Thread {
	q.mu.Lock()
	if self != q.idle {
		self.SetReady()
		q.ready = append(q.ready, self)
	}
	q.mu.Unlock()
	return q.PickNext()
}

// Block removes self from scheduling consideration without re-queueing
// it, transitioning it to one of the blocked states. The caller is
// responsible for calling the matching Set* method beforehand, and for
// later calling Enqueue once the wait condition resolves. Block never
// touches a second wait list for the same thread, preserving spec.md
// §3's "a blocked thread appears on exactly one wait list" invariant as
// long as callers route every unblock path through Enqueue exactly
// once.
func (q *RunQueue) Block(self *Thread) *Thread {
	if self.State() != StateBlockedFutex && self.State() != StateBlockedHandle && self.State() != StateSleeping {
		schedLog.WithField("thread", self.ID).Warn("Block called without a prior blocking state transition")
	}
	return q.PickNext()
}

// Len returns the number of threads presently on the ready queue,
// excluding idle and the running thread.
func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Remove drops a specific thread from the ready queue, used when a
// thread is terminated while still queued. Returns status.NotFound if
// the thread was not present (already running, blocked, or idle).
func (q *RunQueue) Remove(t *Thread) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, candidate := range q.ready {
		if candidate == t {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return nil
		}
	}
	return status.New(status.NotFound, "thread not present on run queue")
}
