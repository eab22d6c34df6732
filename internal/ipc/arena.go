// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ipc implements the per-thread shared-memory mailbox described
// in spec.md §4.5: a fixed-layout message record gated by three futex
// sync words, with small arguments copied inline and large arguments
// zero-copy clone-mapped into the target address space.
package ipc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vali-os/core/internal/memory"
	"github.com/vali-os/core/internal/sched"
	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/telemetry"
)

var ipcLog = telemetry.Logger("ipc")

// InlineThreshold is the largest byte length of an untyped argument that
// is copied into the arena's inline buffer; longer arguments are
// clone-mapped, spec.md §4.5's "e.g. 512 bytes".
const InlineThreshold = 512

// TypedArgCount is the fixed number of typed argument words a message
// carries, mirroring the kernel's fixed-length typed-argument array.
const TypedArgCount = 5

// MaxUntypedArgs bounds the parallel untyped-descriptor array.
const MaxUntypedArgs = 5

const (
	syncUnlocked uint32 = 0
	syncLocked   uint32 = 1
)

// UntypedArg is one {ptr,len} descriptor for a non-inline argument,
// either a caller-side buffer to send or a received descriptor to read.
type UntypedArg struct {
	Data []byte

	// Mapped is set on the listener side when the argument was clone-
	// mapped rather than copied inline, holding the address it landed
	// at in the target space.
	Mapped   bool
	MappedAt uintptr
	Length   int
}

// Message is the caller-constructed request and the listener-observed
// request, spec.md §4.5's "fixed-layout message record".
type Message struct {
	Sender  uint32
	Typed   [TypedArgCount]uintptr
	Untyped []UntypedArg
	Inline  []byte
}

// InvokeOptions controls the non-default invoke behaviors spec.md §4.5
// names: async (don't wait for a response) and no-response (force
// inline copy regardless of size, since there is no reply to await
// before tearing down a clone-map).
type InvokeOptions struct {
	Async      bool
	NoResponse bool
	Timeout    time.Duration
}

// Arena is the shared-memory mailbox owned by a single target thread,
// spec.md §4.5/§5.2. Unlike the handle table or memory space, it uses
// no lock beyond its three sync words — every exclusion decision is
// made through futex wait/wake on writeSync/readSync/responseSync,
// spec.md §5's "the IPC arena uses no lock beyond its three atomics".
type Arena struct {
	writeSync    uint32
	readSync     uint32
	responseSync uint32

	targetSpace *memory.AddressSpace

	pending  Message
	response []byte

	clones []cloneRecord
}

type cloneRecord struct {
	space  *memory.AddressSpace
	vaddr  uintptr
	length uintptr
}

// New constructs an arena owned by the thread whose address space is
// targetSpace; responseCap bounds the reply area size.
func New(targetSpace *memory.AddressSpace, responseCap int) *Arena {
	return &Arena{
		targetSpace: targetSpace,
		response:    make([]byte, responseCap),
	}
}

// effectiveTimeout composes an InvokeOptions deadline with a Go
// context's deadline, so whichever fires first governs the futex wait:
// the shorter of the two, or ctx's remaining budget alone if opts
// carries no timeout.
func effectiveTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	if timeout == 0 || remaining < timeout {
		return remaining
	}
	return timeout
}

// Invoke is the caller-side protocol of spec.md §4.5: acquire
// writeSync, fill the message, clear responseSync, set readSync and
// wake the listener, then (unless async/no-response) block on
// responseSync until the reply lands. ctx's deadline composes with
// opts.Timeout per effectiveTimeout; ctx.Err() is consulted whenever a
// wait times out so cancellation reports as status.Timeout too.
func (a *Arena) Invoke(ctx context.Context, callerSpace *memory.AddressSpace, msg Message, opts InvokeOptions) ([]byte, error) {
	start := time.Now()
	defer func() { invokeDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return nil, status.New(status.Timeout, "ipc invoke context already done")
	}

	if len(msg.Untyped) > MaxUntypedArgs {
		return nil, status.New(status.InvalidParams, "too many untyped arguments")
	}

	if err := a.acquireWrite(effectiveTimeout(ctx, opts.Timeout)); err != nil {
		return nil, err
	}

	prepared, err := a.prepareUntyped(callerSpace, msg.Untyped, opts.NoResponse)
	if err != nil {
		a.releaseWriteOnError()
		return nil, err
	}
	msg.Untyped = prepared
	for _, arg := range prepared {
		if arg.Mapped {
			invocationsTotal.WithLabelValues("cloned").Inc()
		} else {
			invocationsTotal.WithLabelValues("inline").Inc()
		}
	}

	a.pending = msg
	atomic.StoreUint32(&a.responseSync, syncUnlocked)
	atomic.StoreUint32(&a.readSync, syncLocked)
	sched.Wake(&a.readSync, 1)

	if opts.Async || opts.NoResponse {
		return nil, nil
	}

	res := sched.Wait(&a.responseSync, syncUnlocked, effectiveTimeout(ctx, opts.Timeout))
	switch res {
	case sched.WaitTimedOut:
		a.teardownClones()
		if ctx.Err() != nil {
			return nil, status.New(status.Timeout, "ipc response context deadline exceeded")
		}
		return nil, status.New(status.Timeout, "ipc response timed out")
	case sched.WaitInterrupted:
		a.teardownClones()
		return nil, status.New(status.Interrupted, "ipc response interrupted")
	}

	reply := make([]byte, len(a.response))
	copy(reply, a.response)
	a.teardownClones()
	return reply, nil
}

// acquireWrite is the futex_wait/wake loop for writeSync (0→1), spec.md
// §4.5 step 1.
func (a *Arena) acquireWrite(timeout time.Duration) error {
	for {
		if atomic.CompareAndSwapUint32(&a.writeSync, syncUnlocked, syncLocked) {
			return nil
		}
		res := sched.Wait(&a.writeSync, syncLocked, timeout)
		if res == sched.WaitTimedOut {
			return status.New(status.Timeout, "ipc write lock timed out")
		}
		if res == sched.WaitInterrupted {
			return status.New(status.Interrupted, "ipc write lock interrupted")
		}
	}
}

// releaseWriteOnError unwinds a failed Invoke before the message is
// published, letting the next caller acquire writeSync.
func (a *Arena) releaseWriteOnError() {
	atomic.StoreUint32(&a.writeSync, syncUnlocked)
	sched.Wake(&a.writeSync, 1)
}

// prepareUntyped applies spec.md §4.5 step 3's inline-vs-clone
// thresholding to each untyped argument.
func (a *Arena) prepareUntyped(callerSpace *memory.AddressSpace, args []UntypedArg, noResponse bool) ([]UntypedArg, error) {
	prepared := make([]UntypedArg, len(args))
	for i, arg := range args {
		prepared[i] = UntypedArg{Length: len(arg.Data)}
		if len(arg.Data) <= InlineThreshold || noResponse {
			prepared[i].Data = append([]byte(nil), arg.Data...)
			continue
		}

		vaddr, err := a.cloneArgument(callerSpace, arg.Data)
		if err != nil {
			a.teardownClones()
			return nil, status.Wrap(status.OutOfMemory, err)
		}
		prepared[i].Mapped = true
		prepared[i].MappedAt = vaddr
		// The listener reads a clone-mapped argument through the
		// shared physical pages the CloneMapping call above installed;
		// Data is retained here only because this model does not back
		// an address space with real byte storage to read through.
		prepared[i].Data = arg.Data
	}
	return prepared, nil
}

// cloneArgument installs a mapping in the target space, at the same
// virtual address as the caller's buffer, that shares the caller's
// physical pages, spec.md §4.5 step 3's "clone-map the caller's buffer
// read-only into the target address space", built directly on
// internal/memory's CloneMapping primitive — CloneMapping preserves the
// source vaddr when installing the destination mapping, so the caller's
// own buffer address is also the address the listener sees it at.
func (a *Arena) cloneArgument(callerSpace *memory.AddressSpace, data []byte) (uintptr, error) {
	length := uintptr(len(data))
	if length%memory.PageSize != 0 {
		length = (length + memory.PageSize - 1) &^ (memory.PageSize - 1)
	}

	srcBase, err := callerSpace.Reserve(length, memory.AttrUser|memory.AttrWritable)
	if err != nil {
		return 0, err
	}
	if err := callerSpace.Commit(srcBase, length, memory.AttrUser|memory.AttrWritable); err != nil {
		return 0, err
	}

	if err := memory.CloneMapping(callerSpace, a.targetSpace, srcBase, length, memory.AttrUser); err != nil {
		return 0, err
	}

	a.clones = append(a.clones, cloneRecord{space: a.targetSpace, vaddr: srcBase, length: length})
	return srcBase, nil
}

// teardownClones unmaps every clone-mapped argument buffer from the
// target space, spec.md §4.5's Reply step "tear down clone-mapped
// argument buffers".
func (a *Arena) teardownClones() {
	for _, c := range a.clones {
		if err := c.space.Unmap(c.vaddr, c.length); err != nil {
			ipcLog.WithError(err).Debug("clone teardown unmap failed")
		}
	}
	a.clones = nil
}

// Listen is the target-side protocol of spec.md §4.5: clear writeSync
// and wake one producer, then wait for readSync to observe 1 and
// return the pending message. If a published message is still waiting
// to be read when Listen starts, writeSync is left held by its producer
// and is only cleared by the next Listen, after that message has been
// drained.
func (a *Arena) Listen(timeout time.Duration) (Message, error) {
	if atomic.LoadUint32(&a.readSync) != syncLocked {
		atomic.StoreUint32(&a.writeSync, syncUnlocked)
		sched.Wake(&a.writeSync, 1)
	}

	for {
		if atomic.SwapUint32(&a.readSync, syncUnlocked) == syncLocked {
			break
		}
		res := sched.Wait(&a.readSync, syncUnlocked, timeout)
		if res == sched.WaitTimedOut {
			return Message{}, status.New(status.Timeout, "ipc listen timed out")
		}
		if res == sched.WaitInterrupted {
			return Message{}, status.New(status.Interrupted, "ipc listen interrupted")
		}
	}

	return a.pending, nil
}

// Reply copies data into the response area (bounded by its size), sets
// responseSync and wakes the caller. Reply does not unmap clone-mapped
// argument buffers: a synchronous Invoke unmaps them after it has copied
// the reply, and those of an async Invoke stay mapped until a later
// synchronous Invoke on the same arena unmaps them. The caller must finish
// reading the message before this is invoked — clearing writeSync in
// Listen satisfies spec.md §4.5's invariant that the consumer has
// already drained the message by the time a producer can reacquire it.
func (a *Arena) Reply(data []byte) error {
	n := copy(a.response, data)
	if n < len(data) {
		return status.New(status.Overflow, "ipc response exceeds response area")
	}
	atomic.StoreUint32(&a.responseSync, syncLocked)
	sched.Wake(&a.responseSync, 1)
	return nil
}

// Stats reports the arena's current sync-word state for diagnostics.
type Stats struct {
	WriteLocked    bool
	ReadPending    bool
	ResponseReady  bool
	OutstandingClones int
}

func (a *Arena) CurrentStats() Stats {
	return Stats{
		WriteLocked:       atomic.LoadUint32(&a.writeSync) == syncLocked,
		ReadPending:       atomic.LoadUint32(&a.readSync) == syncLocked,
		ResponseReady:     atomic.LoadUint32(&a.responseSync) == syncLocked,
		OutstandingClones: len(a.clones),
	}
}
