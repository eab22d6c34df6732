// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/memory"
)

func newTestSpace() *memory.AddressSpace {
	pool := memory.NewFramePool(0x100000, 64)
	return memory.New(pool, 0x500000)
}

func TestViewCreateFillsOnFirstFault(t *testing.T) {
	space := newTestSpace()
	svc := newFakeFileService([]byte("stored contents padded out"))

	vaddr, err := space.Reserve(memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)
	require.NoError(t, space.Unmap(vaddr, memory.PageSize)) // view installs its own fault-backed mapping

	view, err := ViewCreate(space, svc, 1, 0, vaddr, memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)

	require.NoError(t, space.Fault(vaddr))

	out := make([]memory.PageAttrs, 1)
	require.NoError(t, space.QueryAttributes(vaddr, memory.PageSize, out))
	assert.True(t, out[0].Attrs&memory.AttrPresent != 0)

	require.NoError(t, view.Unmap())
}

func TestViewFlushWritesDirtyPagesBack(t *testing.T) {
	space := newTestSpace()
	svc := newFakeFileService(make([]byte, memory.PageSize))

	vaddr, err := space.Reserve(memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)
	require.NoError(t, space.Unmap(vaddr, memory.PageSize))

	view, err := ViewCreate(space, svc, 1, 0, vaddr, memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)

	require.NoError(t, space.Fault(vaddr))
	space.MarkDirty(vaddr)

	require.NoError(t, view.Flush())
	assert.False(t, space.IsDirty(vaddr))
}

func TestViewUnmapIsIdempotent(t *testing.T) {
	space := newTestSpace()
	svc := newFakeFileService(make([]byte, memory.PageSize))

	vaddr, err := space.Reserve(memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)
	require.NoError(t, space.Unmap(vaddr, memory.PageSize))

	view, err := ViewCreate(space, svc, 1, 0, vaddr, memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)

	require.NoError(t, view.Unmap())
	require.NoError(t, view.Unmap())
}
