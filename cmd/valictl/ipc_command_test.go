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

func TestIpcDemoRoundTripsReply(t *testing.T) {
	out, err := runApp("ipc", "demo", "--payload", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "sent:  hello")
	assert.Contains(t, out, "reply: echo:hello")
}
