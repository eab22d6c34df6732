// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsImmediatelyOnValueMismatch(t *testing.T) {
	var word uint32 = 5
	res := Wait(&word, 0, 100*time.Millisecond)
	assert.Equal(t, WaitOK, res)
}

func TestWakeDeliversToBlockedWaiter(t *testing.T) {
	var word uint32 = 0
	done := make(chan WaitResult, 1)
	go func() {
		done <- Wait(&word, 0, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	woken := Wake(&word, 1)

	select {
	case res := <-done:
		assert.Equal(t, WaitOK, res)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never released")
	}
	_ = woken
}

func TestWaitTimesOut(t *testing.T) {
	var word uint32 = 0
	start := time.Now()
	res := Wait(&word, 0, 30*time.Millisecond)
	assert.Equal(t, WaitTimedOut, res)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitErrMapsTimeoutToStatus(t *testing.T) {
	var word uint32 = 0
	err := WaitErr(&word, 0, 20*time.Millisecond)
	require.Error(t, err)
}

func TestWakeWithNoWaitersReturnsZero(t *testing.T) {
	var word uint32 = 1
	woken := Wake(&word, 5)
	assert.Equal(t, 0, woken)
}
