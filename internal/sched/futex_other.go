//go:build !linux

package sched

func newFutexBackend() futexBackend {
	return newSimFutex()
}

// Interrupt marks any waiter on addr as interrupted; it will observe
// WaitInterrupted on its next poll slice. On non-Linux platforms the
// simulator backend always handles this directly.
func Interrupt(addr *uint32) {
	if sf, ok := backend.(*simFutex); ok {
		sf.interrupt(addr)
	}
}
