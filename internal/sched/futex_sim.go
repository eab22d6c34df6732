package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// simFutex is a pure-Go futex simulator used on platforms without a real
// futex(2) syscall (see futex_other.go), and is also the Interrupt
// fallback path futex_linux.go defers to for signal-free cancellation.
// Waiters are bucketed by address identity, matching spec.md §4.3's
// "enqueues the calling thread on the hash bucket for addr" directly,
// with each waiter holding a buffered channel instead of a hash-table
// queue entry — a single process rarely contends on more than a handful
// of distinct addresses, so a map-of-channels is simpler than a real
// intrusive wait queue without losing the required race-freedom.
type simFutex struct {
	mu      sync.Mutex
	buckets map[*uint32]*bucket
}

type bucket struct {
	mu      sync.Mutex
	waiters map[int]chan WaitResult
	nextID  int
}

func newSimFutex() *simFutex {
	return &simFutex{buckets: make(map[*uint32]*bucket)}
}

func (f *simFutex) bucketFor(addr *uint32) *bucket {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[addr]
	if !ok {
		b = &bucket{waiters: make(map[int]chan WaitResult)}
		f.buckets[addr] = b
	}
	return b
}

// wait implements spec.md §4.3's futex_wait: the value check and queue
// registration happen atomically under the bucket lock so that a
// concurrent wake (which takes the same lock) can never land between the
// check and the registration.
func (f *simFutex) wait(addr *uint32, expected uint32, timeout time.Duration) WaitResult {
	b := f.bucketFor(addr)

	b.mu.Lock()
	if atomic.LoadUint32(addr) != expected {
		b.mu.Unlock()
		return WaitOK
	}
	id := b.nextID
	b.nextID++
	ch := make(chan WaitResult, 1)
	b.waiters[id] = ch
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-ch:
		return r
	case <-timeoutCh:
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
		return WaitTimedOut
	}
}

// wake implements spec.md §4.3's futex_wake: remove up to count waiters
// from addr's bucket and mark them ready.
func (f *simFutex) wake(addr *uint32, count int) int {
	f.mu.Lock()
	b, ok := f.buckets[addr]
	f.mu.Unlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	woken := 0
	for id, ch := range b.waiters {
		if woken >= count {
			break
		}
		ch <- WaitOK
		delete(b.waiters, id)
		woken++
	}
	return woken
}

// interrupt wakes every waiter currently queued on addr with
// WaitInterrupted, modeling thread-termination cancellation (spec.md
// §4.3/§5).
func (f *simFutex) interrupt(addr *uint32) {
	f.mu.Lock()
	b, ok := f.buckets[addr]
	f.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.waiters {
		ch <- WaitInterrupted
		delete(b.waiters, id)
	}
}
