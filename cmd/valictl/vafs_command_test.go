// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/vafs"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	w := vafs.NewWriter(vafs.ArchitectureX64, nil)
	require.NoError(t, w.AddFile("/services/echo", []byte("ping\npng"), false))
	require.NoError(t, w.AddDirectory("/services/sub"))
	image, err := w.Build()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "image.vafs")
	require.NoError(t, os.WriteFile(path, image, 0644))
	return path
}

func TestVafsLsListsEntries(t *testing.T) {
	path := writeTestImage(t)
	out, err := runApp("vafs", "ls", path, "/services")
	require.NoError(t, err)
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "sub")
}

func TestVafsCatPrintsFileContents(t *testing.T) {
	path := writeTestImage(t)
	out, err := runApp("vafs", "cat", path, "/services/echo")
	require.NoError(t, err)
	assert.Equal(t, "ping\npng", out)
}

func TestVafsCatMissingFileFails(t *testing.T) {
	path := writeTestImage(t)
	_, err := runApp("vafs", "cat", path, "/services/missing")
	assert.Error(t, err)
}

func TestVfsCatMountsImageAndReadsThroughHandleStack(t *testing.T) {
	path := writeTestImage(t)
	out, err := runApp("vfs", "cat", path, "/services/echo")
	require.NoError(t, err)
	assert.Equal(t, "ping\npng", out)
}
