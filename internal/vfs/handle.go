// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"sync"

	"github.com/vali-os/core/internal/status"
)

// OpenOptions are the flags a caller passes to Open, spec.md §4.7's
// handle-lifecycle section.
type OpenOptions struct {
	Access   Access
	Append   bool
	Volatile bool // skip the read-ahead buffer
}

// Handle is spec.md §3's VFS-handle record: one open instance of an
// Entry, with its own cursor and an optional read-ahead buffer of
// sectorSize() bytes.
type Handle struct {
	mu sync.Mutex

	entry      *Entry
	moduleBase uintptr
	access     Access
	append     bool

	position int64

	readAhead       []byte
	readAheadOffset int64
	readAheadValid  bool
}

// Open resolves path through fs's entry cache, enforces the sharing
// rule against other outstanding handles on the same entry, and calls
// module.OpenHandle. The returned Handle must be paired with Close.
func (fs *Filesystem) Open(path string, opts OpenOptions) (*Handle, error) {
	entry, err := fs.cache.Open(fs.Module, path)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	if !entry.canGrant(opts.Access) {
		entry.mu.Unlock()
		_ = fs.cache.Release(fs.Module, entry)
		return nil, status.New(status.Permissions, "entry already has an exclusive grant conflicting with this access")
	}
	entry.recordGrant(opts.Access)
	entry.mu.Unlock()

	moduleBase, err := fs.Module.OpenHandle(entry.EntryBase)
	if err != nil {
		entry.mu.Lock()
		entry.releaseGrant(opts.Access)
		entry.mu.Unlock()
		_ = fs.cache.Release(fs.Module, entry)
		return nil, status.Wrap(status.DeviceFault, err)
	}

	h := &Handle{entry: entry, moduleBase: moduleBase, access: opts.Access, append: opts.Append}
	if !opts.Volatile {
		h.readAhead = make([]byte, fs.sectorSize())
	}

	entry.mu.Lock()
	entry.handles = append(entry.handles, h)
	entry.mu.Unlock()

	return h, nil
}

// sectorSize is always 512: a Filesystem keeps no reference to its
// storage's recorded SectorSize, so read-ahead buffers are 512 bytes
// whatever the device geometry.
func (fs *Filesystem) sectorSize() int {
	return 512
}

// Close releases h's access grant, detaches it from its entry, and
// closes the module-level handle. Once the entry's refcount and handle
// list both reach zero, the entry cache evicts it.
func (fs *Filesystem) Close(h *Handle) error {
	entry := h.entry

	entry.mu.Lock()
	entry.releaseGrant(h.access)
	for i, candidate := range entry.handles {
		if candidate == h {
			entry.handles = append(entry.handles[:i], entry.handles[i+1:]...)
			break
		}
	}
	entry.mu.Unlock()

	if err := fs.Module.CloseHandle(h.moduleBase); err != nil {
		return status.Wrap(status.DeviceFault, err)
	}
	return fs.cache.Release(fs.Module, entry)
}

// Read services a read at the handle's current cursor, consulting the
// read-ahead buffer before falling back to the module. The cursor
// advances by the number of bytes actually read.
func (fs *Filesystem) Read(h *Handle, buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.access&(AccessRead|AccessReadShare) == 0 {
		return 0, status.New(status.Permissions, "handle was not opened for read")
	}

	if h.readAhead != nil && h.readAheadValid &&
		h.position >= h.readAheadOffset &&
		h.position < h.readAheadOffset+int64(len(h.readAhead)) {
		start := int(h.position - h.readAheadOffset)
		n := copy(buf, h.readAhead[start:])
		h.position += int64(n)
		return n, nil
	}

	n, err := fs.Module.Read(h.entry.EntryBase, h.moduleBase, buf, h.position)
	if err != nil {
		return n, status.Wrap(status.DeviceFault, err)
	}

	if h.readAhead != nil && n > 0 {
		fillLen, fillErr := fs.Module.Read(h.entry.EntryBase, h.moduleBase, h.readAhead, h.position)
		if fillErr == nil && fillLen > 0 {
			h.readAheadOffset = h.position
			h.readAheadValid = true
			if fillLen < len(h.readAhead) {
				h.readAhead = h.readAhead[:fillLen]
			}
		}
	}

	h.position += int64(n)
	return n, nil
}

// Write services a write at the handle's cursor (or at end-of-entry for
// an append handle), invalidating any overlapping read-ahead buffer.
func (fs *Filesystem) Write(h *Handle, buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.access&(AccessWrite|AccessWriteShare) == 0 {
		return 0, status.New(status.Permissions, "handle was not opened for write")
	}

	pos := h.position
	if h.append {
		pos = -1 // sentinel: module.Write appends when off is negative
	}

	n, err := fs.Module.Write(h.entry.EntryBase, h.moduleBase, buf, pos)
	if err != nil {
		return n, status.Wrap(status.DeviceFault, err)
	}

	h.readAheadValid = false
	if !h.append {
		h.position += int64(n)
	}
	return n, nil
}

// Seek repositions h's cursor to an absolute offset and forwards the
// new position to the module so it can validate against entry size.
func (fs *Filesystem) Seek(h *Handle, absolutePos int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := fs.Module.Seek(h.entry.EntryBase, h.moduleBase, absolutePos); err != nil {
		return status.Wrap(status.InvalidParams, err)
	}
	h.position = absolutePos
	h.readAheadValid = false
	return nil
}
