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

func TestHandlesDemoReportsLiveAndPeakCounts(t *testing.T) {
	out, err := runApp("handles", "demo", "--count", "5", "--keep", "2", "--type", "event")
	require.NoError(t, err)
	assert.Contains(t, out, "event")
}

func TestHandlesDemoRejectsUnknownType(t *testing.T) {
	_, err := runApp("handles", "demo", "--type", "bogus")
	assert.Error(t, err)
}

func TestHandlesDemoRejectsKeepExceedingCount(t *testing.T) {
	_, err := runApp("handles", "demo", "--count", "2", "--keep", "5")
	assert.Error(t, err)
}
