//go:build linux

package sched

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linuxFutex backs Wait/Wake with the real Linux futex(2) syscall via
// golang.org/x/sys/unix, grounded on pkg/utils/schedcore_linux.go's use of
// unix.Prctl for a different scheduler syscall in the same style: a thin,
// build-tagged wrapper around one raw syscall.
type linuxFutex struct {
	// interruptMu/interrupted models thread interruption (spec.md §4.3's
	// "cancellation is delivered as an interrupt return") since the real
	// futex(2) EINTR path requires a delivered POSIX signal, which Go's
	// runtime does not let us target at a single blocked goroutine. A
	// waiter instead polls its own interrupt flag between short real
	// futex waits.
	interruptMu sync.Mutex
	interrupted map[*uint32]bool
}

func newFutexBackend() futexBackend {
	return &linuxFutex{interrupted: make(map[*uint32]bool)}
}

const pollSlice = 50 * time.Millisecond

func (f *linuxFutex) wait(addr *uint32, expected uint32, timeout time.Duration) WaitResult {
	deadline := time.Time{}
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		if f.isInterrupted(addr) {
			f.clearInterrupted(addr)
			return WaitInterrupted
		}

		slice := pollSlice
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return WaitTimedOut
			}
			if remaining < slice {
				slice = remaining
			}
		}

		ts := unix.NsecToTimespec(slice.Nanoseconds())
		_, err := unix.Futex(addr, unix.FUTEX_WAIT, expected, &ts, nil, 0)
		if err == nil {
			// Woken (or a spurious kernel wakeup). A value that no
			// longer matches expected comes back as EAGAIN below; both
			// are WaitOK per spec.md §4.3's race invariant (the waiter
			// either observes the write or is woken).
			return WaitOK
		}
		switch err {
		case unix.ETIMEDOUT:
			if hasDeadline && !time.Now().Before(deadline) {
				return WaitTimedOut
			}
			continue
		case unix.EAGAIN:
			return WaitOK
		case unix.EINTR:
			continue
		default:
			return WaitOK
		}
	}
}

func (f *linuxFutex) wake(addr *uint32, count int) int {
	n, err := unix.Futex(addr, unix.FUTEX_WAKE, uint32(count), nil, nil, 0)
	if err != nil {
		return 0
	}
	return n
}

func (f *linuxFutex) isInterrupted(addr *uint32) bool {
	f.interruptMu.Lock()
	defer f.interruptMu.Unlock()
	return f.interrupted[addr]
}

func (f *linuxFutex) clearInterrupted(addr *uint32) {
	f.interruptMu.Lock()
	defer f.interruptMu.Unlock()
	delete(f.interrupted, addr)
}

// Interrupt marks any waiter on addr as interrupted; it will observe
// WaitInterrupted on its next poll slice.
func Interrupt(addr *uint32) {
	if lf, ok := backend.(*linuxFutex); ok {
		lf.interruptMu.Lock()
		lf.interrupted[addr] = true
		lf.interruptMu.Unlock()
	} else if sf, ok := backend.(*simFutex); ok {
		sf.interrupt(addr)
	}
}
