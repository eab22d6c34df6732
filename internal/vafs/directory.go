// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vafs

import (
	"encoding/binary"
	"strings"

	"github.com/vali-os/core/internal/status"
)

// EntryType distinguishes a directory entry's kind, mirroring
// original_source's enum VaFsEntryType.
type EntryType uint8

const (
	EntryUnknown EntryType = iota
	EntryFile
	EntryDirectory
)

// Entry is what directory_read yields: a name and a type, spec.md
// §4.8's `directory_read(dir_handle) → entry_or_end`.
type Entry struct {
	Name string
	Type EntryType
}

type rawEntry struct {
	name             string
	entryType        EntryType
	childOffset      uint64 // EntryDirectory
	length           uint64 // EntryFile
	compressedLength uint64 // EntryFile
	dataOffset       uint64 // EntryFile
	filterApplied    bool   // EntryFile
}

// DirectoryHandle is an open directory cursor, spec.md §4.8's
// directory_open/_read/_open_file/_open_directory.
type DirectoryHandle struct {
	img     *Image
	offset  uint64
	entries []rawEntry
	cursor  int
}

// OpenDirectory walks path from the image root, opening each path
// component as a directory in turn.
func (img *Image) OpenDirectory(path string) (*DirectoryHandle, error) {
	root, err := openDirectoryAt(img, img.rootOffset)
	if err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return root, nil
	}

	current := root
	for _, part := range strings.Split(path, "/") {
		next, err := current.OpenSubdirectory(part)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func openDirectoryAt(img *Image, offset uint64) (*DirectoryHandle, error) {
	entries, err := readDirectoryEntries(img.src, offset)
	if err != nil {
		return nil, err
	}
	return &DirectoryHandle{img: img, offset: offset, entries: entries}, nil
}

func readDirectoryEntries(src sourceReaderAt, offset uint64) ([]rawEntry, error) {
	countBuf := make([]byte, 4)
	if _, err := src.ReadAt(countBuf, int64(offset)); err != nil {
		return nil, status.Wrap(status.ProtocolError, err)
	}
	count := binary.LittleEndian.Uint32(countBuf)

	entries := make([]rawEntry, 0, count)
	pos := int64(offset) + 4
	for i := uint32(0); i < count; i++ {
		nameLenBuf := make([]byte, 2)
		if _, err := src.ReadAt(nameLenBuf, pos); err != nil {
			return nil, status.Wrap(status.ProtocolError, err)
		}
		nameLen := binary.LittleEndian.Uint16(nameLenBuf)
		pos += 2

		nameBuf := make([]byte, nameLen)
		if nameLen > 0 {
			if _, err := src.ReadAt(nameBuf, pos); err != nil {
				return nil, status.Wrap(status.ProtocolError, err)
			}
		}
		pos += int64(nameLen)

		typeBuf := make([]byte, 1)
		if _, err := src.ReadAt(typeBuf, pos); err != nil {
			return nil, status.Wrap(status.ProtocolError, err)
		}
		entryType := EntryType(typeBuf[0])
		pos++

		e := rawEntry{name: string(nameBuf), entryType: entryType}
		switch entryType {
		case EntryDirectory:
			buf := make([]byte, 8)
			if _, err := src.ReadAt(buf, pos); err != nil {
				return nil, status.Wrap(status.ProtocolError, err)
			}
			e.childOffset = binary.LittleEndian.Uint64(buf)
			pos += 8
		case EntryFile:
			buf := make([]byte, 8*3+1)
			if _, err := src.ReadAt(buf, pos); err != nil {
				return nil, status.Wrap(status.ProtocolError, err)
			}
			e.length = binary.LittleEndian.Uint64(buf[0:8])
			e.compressedLength = binary.LittleEndian.Uint64(buf[8:16])
			e.dataOffset = binary.LittleEndian.Uint64(buf[16:24])
			e.filterApplied = buf[24] != 0
			pos += int64(len(buf))
		default:
			return nil, status.New(status.ProtocolError, "unknown directory entry type")
		}

		entries = append(entries, e)
	}
	return entries, nil
}

// Read yields the next entry, returning status.NotFound once the
// cursor is exhausted ("entry_or_end" in spec.md §4.8).
func (d *DirectoryHandle) Read() (Entry, error) {
	if d.cursor >= len(d.entries) {
		return Entry{}, status.New(status.NotFound, "no more directory entries")
	}
	e := d.entries[d.cursor]
	d.cursor++
	return Entry{Name: e.name, Type: e.entryType}, nil
}

// Rewind resets the read cursor to the first entry.
func (d *DirectoryHandle) Rewind() { d.cursor = 0 }

// OpenSubdirectory opens a child directory by name.
func (d *DirectoryHandle) OpenSubdirectory(name string) (*DirectoryHandle, error) {
	for _, e := range d.entries {
		if e.name == name && e.entryType == EntryDirectory {
			return openDirectoryAt(d.img, e.childOffset)
		}
	}
	return nil, status.New(status.NotFound, "no such subdirectory")
}

// OpenFile opens a file entry by name within this directory.
func (d *DirectoryHandle) OpenFile(name string) (*FileHandle, error) {
	for _, e := range d.entries {
		if e.name == name && e.entryType == EntryFile {
			return &FileHandle{img: d.img, entry: e}, nil
		}
	}
	return nil, status.New(status.NotFound, "no such file")
}

// sourceReaderAt is the subset of io.ReaderAt the parser needs; named
// locally so vafs.go's io.ReaderAt field satisfies it without an import
// cycle concern.
type sourceReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}
