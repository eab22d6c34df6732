// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQueuePickNextFallsBackToIdle(t *testing.T) {
	idle := NewThread(0, 0)
	q := NewRunQueue(idle)

	next := q.PickNext()
	assert.Same(t, idle, next)
	assert.True(t, next.Idle)
}

func TestRunQueueFIFOOrdering(t *testing.T) {
	idle := NewThread(0, 0)
	q := NewRunQueue(idle)

	a := NewThread(1, 1)
	b := NewThread(2, 1)
	q.Enqueue(a)
	q.Enqueue(b)

	assert.Same(t, a, q.PickNext())
	assert.Same(t, b, q.PickNext())
	assert.Same(t, idle, q.PickNext())
}

func TestRunQueueYieldRequeuesSelf(t *testing.T) {
	idle := NewThread(0, 0)
	q := NewRunQueue(idle)

	a := NewThread(1, 1)
	b := NewThread(2, 1)
	q.Enqueue(a)
	q.Enqueue(b)

	require.Same(t, a, q.PickNext())
	next := q.Yield(a)
	assert.Same(t, b, next)
	assert.Same(t, a, q.PickNext())
}

func TestRunQueueRemoveDropsQueuedThread(t *testing.T) {
	idle := NewThread(0, 0)
	q := NewRunQueue(idle)

	a := NewThread(1, 1)
	q.Enqueue(a)

	require.NoError(t, q.Remove(a))
	assert.Equal(t, 0, q.Len())
	assert.Same(t, idle, q.PickNext())
}

func TestRunQueueRemoveMissingThreadReportsNotFound(t *testing.T) {
	idle := NewThread(0, 0)
	q := NewRunQueue(idle)

	a := NewThread(1, 1)
	err := q.Remove(a)
	require.Error(t, err)
}

func TestThreadTerminateRunsTLSDestructors(t *testing.T) {
	ran := false
	key, err := TLSKeyCreate(func(v interface{}) { ran = true })
	require.NoError(t, err)
	defer TLSKeyDelete(key)

	th := NewThread(5, 1)
	require.NoError(t, th.TLS.Set(key, "value"))
	th.Terminate()

	assert.True(t, ran)
	assert.Equal(t, StateTerminated, th.State())
}
