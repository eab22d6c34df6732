// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vafs

import (
	"encoding/binary"

	"github.com/vali-os/core/internal/status"
)

// Writer builds a VaFs image entirely in memory. It exists to let tests
// construct fixture archives for the reader above — there is no
// standalone image-building tool in this package, mirroring spec.md
// §1's exclusion of the actual mkvafs tool from scope.
type Writer struct {
	architecture Architecture
	filter       *FilterOps
	root         *writerDirectory
}

type writerDirectory struct {
	entries []writerEntry
}

type writerEntry struct {
	name      string
	entryType EntryType
	data      []byte // EntryFile, uncompressed
	useFilter bool
	dir       *writerDirectory // EntryDirectory
}

// NewWriter starts a new in-memory image for the given architecture.
// filter may be nil if no entries will request compression.
func NewWriter(architecture Architecture, filter *FilterOps) *Writer {
	return &Writer{architecture: architecture, filter: filter, root: &writerDirectory{}}
}

// AddFile inserts a file at path (e.g. "/services/echo"), creating any
// missing intermediate directories. useFilter requests the installed
// filter's Encode callback be applied when the image is built.
func (w *Writer) AddFile(path string, data []byte, useFilter bool) error {
	dir, name, err := w.resolveParent(path)
	if err != nil {
		return err
	}
	dir.entries = append(dir.entries, writerEntry{name: name, entryType: EntryFile, data: data, useFilter: useFilter})
	return nil
}

// AddDirectory ensures path exists as a directory, creating
// intermediate components as needed.
func (w *Writer) AddDirectory(path string) error {
	_, err := w.mkdirAll(path)
	return err
}

func (w *Writer) resolveParent(path string) (*writerDirectory, string, error) {
	path = trimSlashes(path)
	if path == "" {
		return nil, "", status.New(status.InvalidParams, "path must name a file")
	}
	idx := lastSlash(path)
	if idx < 0 {
		return w.root, path, nil
	}
	dir, err := w.mkdirAll(path[:idx])
	if err != nil {
		return nil, "", err
	}
	return dir, path[idx+1:], nil
}

func (w *Writer) mkdirAll(path string) (*writerDirectory, error) {
	path = trimSlashes(path)
	if path == "" {
		return w.root, nil
	}
	current := w.root
	for _, part := range splitPath(path) {
		var found *writerDirectory
		for i := range current.entries {
			if current.entries[i].name == part && current.entries[i].entryType == EntryDirectory {
				found = current.entries[i].dir
				break
			}
		}
		if found == nil {
			found = &writerDirectory{}
			current.entries = append(current.entries, writerEntry{name: part, entryType: EntryDirectory, dir: found})
		}
		current = found
	}
	return current, nil
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func splitPath(s string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i > start {
				parts = append(parts, s[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// Build serializes the image to a byte slice.
func (w *Writer) Build() ([]byte, error) {
	var buf []byte

	buf = append(buf, make([]byte, headerSize)...)

	featureTableOffset := uint64(len(buf))
	var features []Feature
	if w.filter != nil {
		features = append(features, Feature{Guid: FilterFeatureGUID})
	}
	buf = appendFeatureTable(buf, features)

	rootDirOffset := uint64(len(buf))
	var err error
	buf, err = appendDirectory(buf, w.root, w.filter)
	if err != nil {
		return nil, err
	}

	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(w.architecture))
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	binary.LittleEndian.PutUint64(buf[12:20], featureTableOffset)
	binary.LittleEndian.PutUint64(buf[20:28], rootDirOffset)

	return buf, nil
}

func appendFeatureTable(buf []byte, features []Feature) []byte {
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(features)))
	buf = append(buf, countBuf...)

	for _, f := range features {
		hdr := make([]byte, featureHeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:4], f.Guid.Data1)
		binary.LittleEndian.PutUint16(hdr[4:6], f.Guid.Data2)
		binary.LittleEndian.PutUint16(hdr[6:8], f.Guid.Data3)
		copy(hdr[8:16], f.Guid.Data4[:])
		binary.LittleEndian.PutUint32(hdr[16:20], uint32(featureHeaderSize+len(f.Payload)))
		buf = append(buf, hdr...)
		buf = append(buf, f.Payload...)
	}
	return buf
}

// offsetPatch records where, within buf, an offset field must be
// overwritten once the thing it points at has actually been appended.
type offsetPatch struct {
	pos      int // byte offset within buf of the 8-byte field
	isFile   bool
	fileData []byte // pre-encoded data block, when isFile
	dir      *writerDirectory
}

// appendDirectory serializes dir's own entry list at the current tail
// of buf, then appends each file's data block and each subdirectory's
// entry list in turn, patching offset fields as each lands.
func appendDirectory(buf []byte, dir *writerDirectory, filter *FilterOps) ([]byte, error) {
	var patches []offsetPatch

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(dir.entries)))
	buf = append(buf, countBuf...)

	for _, e := range dir.entries {
		nameBuf := []byte(e.name)
		lenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBuf, uint16(len(nameBuf)))
		buf = append(buf, lenBuf...)
		buf = append(buf, nameBuf...)
		buf = append(buf, byte(e.entryType))

		switch e.entryType {
		case EntryDirectory:
			patches = append(patches, offsetPatch{pos: len(buf), dir: e.dir})
			buf = append(buf, make([]byte, 8)...) // child_offset placeholder

		case EntryFile:
			if e.useFilter && (filter == nil || filter.Encode == nil) {
				return nil, status.New(status.InvalidParams, "entry requests a filter but none was supplied")
			}

			data := e.data
			if e.useFilter {
				encoded, err := filter.Encode(e.data)
				if err != nil {
					return nil, status.Wrap(status.ProtocolError, err)
				}
				data = encoded
			}

			fileMeta := make([]byte, 8*3+1)
			binary.LittleEndian.PutUint64(fileMeta[0:8], uint64(len(e.data)))
			binary.LittleEndian.PutUint64(fileMeta[8:16], uint64(len(data)))
			if e.useFilter {
				fileMeta[24] = 1
			}
			buf = append(buf, fileMeta...)
			patches = append(patches, offsetPatch{pos: len(buf) - 1 - 8, isFile: true, fileData: data})
		}
	}

	for _, p := range patches {
		if p.isFile {
			dataOffset := uint64(len(buf))
			buf = append(buf, p.fileData...)
			binary.LittleEndian.PutUint64(buf[p.pos:p.pos+8], dataOffset)
			continue
		}

		childOffset := uint64(len(buf))
		var err error
		buf, err = appendDirectory(buf, p.dir, filter)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(buf[p.pos:p.pos+8], childOffset)
	}

	return buf, nil
}
