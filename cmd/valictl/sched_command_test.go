// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedMutexDemoCompletesAllWaiters(t *testing.T) {
	out, err := runApp("sched", "mutex-demo", "--waiters", "3", "--hold", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "waiters:        3")
	assert.Contains(t, out, "completed order:")
}
