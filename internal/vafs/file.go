// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vafs

import (
	"io"

	"github.com/vali-os/core/internal/status"
)

// FileHandle is an open file entry, spec.md §4.8's
// `file_length`/`file_read`/`file_seek`.
type FileHandle struct {
	img    *Image
	entry  rawEntry
	cursor int64

	decoded     []byte // populated lazily on first read when a filter is installed
	decodedOnce bool
}

// Length returns the file's uncompressed length.
func (h *FileHandle) Length() int64 { return int64(h.entry.length) }

const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// Seek repositions the read cursor, spec.md §4.8's `file_seek`.
func (h *FileHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = h.cursor
	case SeekEnd:
		base = int64(h.entry.length)
	default:
		return 0, status.New(status.InvalidParams, "invalid whence")
	}
	pos := base + offset
	if pos < 0 || pos > int64(h.entry.length) {
		return 0, status.New(status.InvalidParams, "seek out of range")
	}
	h.cursor = pos
	return pos, nil
}

// Read copies up to len(buf) bytes starting at the current cursor into
// buf, decoding through the installed filter first if the entry was
// compressed with one. Spec.md §4.8's file read flow: "locate the data
// block, if a filter is installed pass the compressed chunk through
// decode, copy out the requested slice."
func (h *FileHandle) Read(buf []byte) (int, error) {
	data, err := h.materialize()
	if err != nil {
		return 0, err
	}
	if h.cursor >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(buf, data[h.cursor:])
	h.cursor += int64(n)
	return n, nil
}

// materialize reads the raw (possibly compressed) block once and
// decodes it if needed, caching the result for subsequent reads.
func (h *FileHandle) materialize() ([]byte, error) {
	if h.decodedOnce {
		return h.decoded, nil
	}

	blockLen := h.entry.compressedLength
	if !h.entry.filterApplied {
		blockLen = h.entry.length
	}
	raw := make([]byte, blockLen)
	if blockLen > 0 {
		if _, err := h.img.src.ReadAt(raw, int64(h.entry.dataOffset)); err != nil {
			return nil, status.Wrap(status.DeviceFault, err)
		}
	}

	if !h.entry.filterApplied {
		h.decoded = raw
		h.decodedOnce = true
		return h.decoded, nil
	}

	if h.img.filter == nil || h.img.filter.Decode == nil {
		return nil, status.New(status.InvalidParams, "entry is filtered but no decode callback was supplied")
	}
	decoded, err := h.img.filter.Decode(raw, int(h.entry.length))
	if err != nil {
		return nil, status.Wrap(status.ProtocolError, err)
	}
	h.decoded = decoded
	h.decodedOnce = true
	return h.decoded, nil
}

// Write always fails: spec.md §4.8, "the reader is strictly read-only;
// attempts to write fail with not-supported."
func (h *FileHandle) Write(buf []byte) (int, error) {
	return 0, status.New(status.NotSupported, "vafs images are read-only")
}
