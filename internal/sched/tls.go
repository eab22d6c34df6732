// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"sync"

	"github.com/vali-os/core/internal/status"
)

// TLSCapacity is the fixed number of thread-local slots a thread
// carries, mirroring librt/libos/thread/tls.c's static TLS_MAX_KEYS
// array rather than a growable map.
const TLSCapacity = 64

// DefaultDestructorPasses bounds how many times TLS destructors are
// re-run when a destructor itself repopulates a slot, matching tls.c's
// fixed PTHREAD_DESTRUCTOR_ITERATIONS-style limit.
const DefaultDestructorPasses = 4

// TLSDestructor runs when a slot's owning thread exits and the slot
// still holds a non-nil value.
type TLSDestructor func(value interface{})

// tlsKeyState tracks whether a slot index has been handed out and its
// destructor, shared across every thread's TLS block.
type tlsKeyState struct {
	mu          sync.Mutex
	allocated   [TLSCapacity]bool
	destructors [TLSCapacity]TLSDestructor
}

var globalTLSKeys tlsKeyState

// TLSKeyCreate allocates a process-wide TLS slot index with an optional
// destructor, mirroring tls.c's key-creation call. Returns
// status.OutOfMemory once every slot is in use.
func TLSKeyCreate(destructor TLSDestructor) (int, error) {
	globalTLSKeys.mu.Lock()
	defer globalTLSKeys.mu.Unlock()
	for i := 0; i < TLSCapacity; i++ {
		if !globalTLSKeys.allocated[i] {
			globalTLSKeys.allocated[i] = true
			globalTLSKeys.destructors[i] = destructor
			return i, nil
		}
	}
	return -1, status.New(status.OutOfMemory, "no free TLS keys")
}

// TLSKeyDelete releases a process-wide TLS slot index.
func TLSKeyDelete(key int) error {
	if key < 0 || key >= TLSCapacity {
		return status.New(status.InvalidParams, "invalid TLS key")
	}
	globalTLSKeys.mu.Lock()
	defer globalTLSKeys.mu.Unlock()
	globalTLSKeys.allocated[key] = false
	globalTLSKeys.destructors[key] = nil
	return nil
}

// TLSBlock is one thread's fixed-size slot array.
type TLSBlock struct {
	mu     sync.Mutex
	values [TLSCapacity]interface{}
	set    [TLSCapacity]bool
}

// NewTLSBlock constructs an empty TLS block for a new thread.
func NewTLSBlock() *TLSBlock {
	return &TLSBlock{}
}

// Set stores value in the thread's slot for key.
func (b *TLSBlock) Set(key int, value interface{}) error {
	if key < 0 || key >= TLSCapacity {
		return status.New(status.InvalidParams, "invalid TLS key")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = value
	b.set[key] = true
	return nil
}

// Get returns the thread's value for key, or nil if unset.
func (b *TLSBlock) Get(key int) (interface{}, bool) {
	if key < 0 || key >= TLSCapacity {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.set[key] {
		return nil, false
	}
	return b.values[key], true
}

// RunDestructors runs every populated slot's destructor in descending
// slot order, repeating up to passes times if a destructor repopulates
// a slot it or a later destructor already cleared — mirroring tls.c's
// reverse-order, bounded-repeat teardown.
func (b *TLSBlock) RunDestructors(passes int) {
	if passes <= 0 {
		passes = DefaultDestructorPasses
	}
	for pass := 0; pass < passes; pass++ {
		ranAny := false
		for key := TLSCapacity - 1; key >= 0; key-- {
			b.mu.Lock()
			if !b.set[key] {
				b.mu.Unlock()
				continue
			}
			value := b.values[key]
			b.values[key] = nil
			b.set[key] = false
			b.mu.Unlock()

			globalTLSKeys.mu.Lock()
			destructor := globalTLSKeys.destructors[key]
			globalTLSKeys.mu.Unlock()

			if destructor != nil && value != nil {
				destructor(value)
				ranAny = true
			}
		}
		if !ranAny {
			return
		}
	}
}
