// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/memory"
	"github.com/vali-os/core/internal/status"
)

func newTestSpaces() (caller *memory.AddressSpace, target *memory.AddressSpace) {
	callerFrames := memory.NewFramePool(0x100000, 256)
	targetFrames := memory.NewFramePool(0x200000, 256)
	return memory.New(callerFrames, 0x400000), memory.New(targetFrames, 0x600000)
}

func TestInvokeListenReplyRoundTrip(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 256)

	done := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		reply, err := arena.Invoke(context.Background(), callerSpace, Message{
			Sender: 1,
			Typed:  [TypedArgCount]uintptr{42},
			Inline: []byte("hello"),
		}, InvokeOptions{Timeout: 2 * time.Second})
		done <- reply
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	msg, err := arena.Listen(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), msg.Sender)
	assert.Equal(t, uintptr(42), msg.Typed[0])

	require.NoError(t, arena.Reply([]byte("world")))

	select {
	case reply := <-done:
		require.NoError(t, <-errs)
		assert.Equal(t, "world", string(reply[:5]))
	case <-time.After(2 * time.Second):
		t.Fatal("invoke never completed")
	}
}

func TestInvokeAsyncReturnsImmediately(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 64)

	reply, err := arena.Invoke(context.Background(), callerSpace, Message{Sender: 2}, InvokeOptions{Async: true})
	require.NoError(t, err)
	assert.Nil(t, reply)

	msg, err := arena.Listen(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msg.Sender)
}

func TestInvokeSecondCallerBlocksUntilWriteSyncReleased(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 64)

	_, err := arena.Invoke(context.Background(), callerSpace, Message{Sender: 1}, InvokeOptions{Async: true})
	require.NoError(t, err)

	secondDone := make(chan error, 1)
	go func() {
		_, err := arena.Invoke(context.Background(), callerSpace, Message{Sender: 2}, InvokeOptions{Async: true})
		secondDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = arena.Listen(2 * time.Second)
	require.NoError(t, err)

	select {
	case err := <-secondDone:
		t.Fatalf("second invoke should still be blocked on writeSync, got err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = arena.Listen(2 * time.Second)
	require.NoError(t, err)

	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second invoke never unblocked after writeSync released")
	}
}

func TestInvokeTimesOutWaitingForResponse(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 64)

	_, err := arena.Invoke(context.Background(), callerSpace, Message{Sender: 1}, InvokeOptions{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, status.Timeout, status.Of(err))
}

func TestInvokeRejectsTooManyUntypedArgs(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 64)

	args := make([]UntypedArg, MaxUntypedArgs+1)
	_, err := arena.Invoke(context.Background(), callerSpace, Message{Untyped: args}, InvokeOptions{Async: true})
	require.Error(t, err)
	assert.Equal(t, status.InvalidParams, status.Of(err))
}

func TestLargeUntypedArgumentIsCloneMapped(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 64)

	big := make([]byte, InlineThreshold+1)
	for i := range big {
		big[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		_, err := arena.Invoke(context.Background(), callerSpace, Message{
			Untyped: []UntypedArg{{Data: big}},
		}, InvokeOptions{Timeout: 2 * time.Second})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	msg, err := arena.Listen(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, msg.Untyped, 1)
	assert.True(t, msg.Untyped[0].Mapped)
	assert.NotZero(t, msg.Untyped[0].MappedAt)

	require.NoError(t, arena.Reply(nil))
	require.NoError(t, <-done)

	stats := arena.CurrentStats()
	assert.Equal(t, 0, stats.OutstandingClones)
}

func TestSmallUntypedArgumentIsCopiedInline(t *testing.T) {
	callerSpace, targetSpace := newTestSpaces()
	arena := New(targetSpace, 64)

	small := []byte("tiny")
	done := make(chan error, 1)
	go func() {
		_, err := arena.Invoke(context.Background(), callerSpace, Message{
			Untyped: []UntypedArg{{Data: small}},
		}, InvokeOptions{Timeout: 2 * time.Second})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	msg, err := arena.Listen(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, msg.Untyped, 1)
	assert.False(t, msg.Untyped[0].Mapped)
	assert.Equal(t, small, msg.Untyped[0].Data)

	require.NoError(t, arena.Reply(nil))
	require.NoError(t, <-done)
}

func TestReplyRejectsOversizedResponse(t *testing.T) {
	_, targetSpace := newTestSpaces()
	arena := New(targetSpace, 4)
	err := arena.Reply([]byte("too big for the area"))
	require.Error(t, err)
	assert.Equal(t, status.Overflow, status.Of(err))
}
