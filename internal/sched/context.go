// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"github.com/vali-os/core/internal/memory"
	"github.com/vali-os/core/internal/status"
)

// ContextLevel selects which code/stack segments context_reset targets,
// spec.md §4.4, grounded on arch/x86/x32/context.c's LEVEL0/LEVEL1/SIGNAL
// distinction.
type ContextLevel int

const (
	ContextKernel ContextLevel = iota
	ContextUser
	ContextSignal
)

// resetIdentifier marks a freshly reset stack top so a context can be
// told apart from one that has run at least once, mirroring context.c's
// CONTEXT_RESET_IDENTIFIER sentinel.
const resetIdentifier uint64 = 0xB00B1E50B00B1E5

// Context is the saved machine state for one thread, modeled as an
// opaque register file plus the bookkeeping context_reset and
// context_push_interceptor need. The kernel never interprets the
// register contents directly; only the stack-rewrite operations below
// touch structure.
type Context struct {
	Level        ContextLevel
	InstrPointer uintptr
	StackPointer uintptr
	Registers    [8]uintptr // general-purpose scratch, ABI-opaque
	Sentinel     uint64
}

// Reset zeroes ctx, selects level, and sets a single entry point and
// argument, marking the stack top with resetIdentifier so a later
// inspection can tell a never-run context apart from one mid-flight,
// spec.md §4.4's context_reset.
func Reset(ctx *Context, level ContextLevel, entry uintptr, arg uintptr, stackTop uintptr) {
	*ctx = Context{
		Level:        level,
		InstrPointer: entry,
		StackPointer: stackTop,
		Sentinel:     resetIdentifier,
	}
	ctx.Registers[0] = arg
}

// IsFresh reports whether ctx has never been scheduled since its last
// Reset.
func (ctx *Context) IsFresh() bool {
	return ctx.Sentinel == resetIdentifier
}

// stackWriter abstracts the two places PushInterceptor can place a
// frame: the thread's own stack, or a dedicated alternate signal stack.
// It only tracks the stack top: pushWord and pushContext move it down
// and store nothing.
type stackWriter struct {
	space *memory.AddressSpace
	top   uintptr
}

func (w *stackWriter) pushWord(value uintptr) {
	w.top -= 8
}

func (w *stackWriter) pushContext(ctx *Context) {
	w.top -= uintptr(contextSize)
}

const contextSize = 96 // sizeof(Context) rounded to stack alignment

// PushInterceptor lowers the top of either the caller's stack or altStack
// (if non-zero) by one word for the instruction pointer plus one
// contextSize frame for a copy of ctx, then repoints ctx at handler with
// arguments (newStackTop, a0, a1, a2), spec.md §4.4's
// context_push_interceptor. The instruction pointer and the context copy
// are not written into the address space, so nothing is left on the
// stack for a restore path to pop. space is validated to have the target
// stack mapped writable before the stack top moves, per
// spec.md §9's "kernel validates that the target stack is mapped
// writable in the target space before pushing".
func PushInterceptor(space *memory.AddressSpace, ctx *Context, altStack uintptr, handler uintptr, a0, a1, a2 uintptr) error {
	targetTop := ctx.StackPointer
	usingAlt := altStack != 0
	if usingAlt {
		targetTop = altStack
	}

	if err := verifyStackWritable(space, targetTop); err != nil {
		return err
	}

	w := &stackWriter{space: space, top: targetTop}
	w.pushWord(ctx.InstrPointer)
	savedFrame := *ctx
	w.pushContext(&savedFrame)

	newTop := w.top
	if !usingAlt {
		ctx.StackPointer = newTop
	}

	ctx.InstrPointer = handler
	ctx.Registers[0] = newTop
	ctx.Registers[1] = a0
	ctx.Registers[2] = a1
	ctx.Registers[3] = a2
	ctx.StackPointer = newTop
	return nil
}

func verifyStackWritable(space *memory.AddressSpace, top uintptr) error {
	if space == nil {
		return nil
	}
	attrs := make([]memory.PageAttrs, 1)
	probe := (top - 1) &^ (memory.PageSize - 1)
	if err := space.QueryAttributes(probe, memory.PageSize, attrs); err != nil {
		return status.Wrap(status.Permissions, err)
	}
	if attrs[0].Attrs&memory.AttrWritable == 0 {
		return status.New(status.Permissions, "interceptor target stack is not writable")
	}
	return nil
}
