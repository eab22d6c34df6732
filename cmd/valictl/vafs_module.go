// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"io"
	"sync"

	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/vafs"
	"github.com/vali-os/core/internal/vfs"
)

// vafsModule adapts a read-only VaFs image into a vfs.ModuleInterface,
// letting the VFS storage/entry/handle/actor stack mount and serve a
// VaFs archive exactly as it would any other filesystem module.
type vafsModule struct {
	img *vafs.Image

	mu         sync.Mutex
	nextEntry  uintptr
	nextHandle uintptr
	entries    map[uintptr]vafsEntryRecord
	handles    map[uintptr]*vafs.FileHandle
}

type vafsEntryRecord struct {
	path  string
	isDir bool
}

func newVafsModule(img *vafs.Image) *vafsModule {
	return &vafsModule{
		img:     img,
		entries: make(map[uintptr]vafsEntryRecord),
		handles: make(map[uintptr]*vafs.FileHandle),
	}
}

func (m *vafsModule) Initialize(fsBase uintptr) error { return nil }

func (m *vafsModule) Destroy(fsBase uintptr, unmountFlags int) error { return nil }

func (m *vafsModule) OpenEntry(path string) (uintptr, error) {
	if path == "/" {
		if _, err := m.img.OpenDirectory("/"); err != nil {
			return 0, err
		}
		return m.register(vafsEntryRecord{path: "/", isDir: true}), nil
	}

	dirPath, name := splitDirAndName(path)
	dir, err := m.img.OpenDirectory(dirPath)
	if err != nil {
		return 0, err
	}

	if _, err := dir.OpenFile(name); err == nil {
		return m.register(vafsEntryRecord{path: path, isDir: false}), nil
	}
	if _, err := dir.OpenSubdirectory(name); err == nil {
		return m.register(vafsEntryRecord{path: path, isDir: true}), nil
	}
	return 0, status.New(status.NotFound, "no such vafs entry")
}

func (m *vafsModule) register(rec vafsEntryRecord) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEntry++
	m.entries[m.nextEntry] = rec
	return m.nextEntry
}

func (m *vafsModule) CreatePath(path string, options int) (uintptr, error) {
	return 0, status.New(status.NotSupported, "vafs images are read-only")
}

func (m *vafsModule) CloseEntry(entryBase uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryBase)
	return nil
}

func (m *vafsModule) DeleteEntry(entryBase uintptr) error {
	return status.New(status.NotSupported, "vafs images are read-only")
}

func (m *vafsModule) OpenHandle(entryBase uintptr) (uintptr, error) {
	m.mu.Lock()
	rec, ok := m.entries[entryBase]
	m.mu.Unlock()
	if !ok {
		return 0, status.New(status.NotFound, "unknown vafs entry")
	}
	if rec.isDir {
		return 0, status.New(status.IsDirectory, "cannot open a handle on a directory")
	}

	dirPath, name := splitDirAndName(rec.path)
	dir, err := m.img.OpenDirectory(dirPath)
	if err != nil {
		return 0, err
	}
	fh, err := dir.OpenFile(name)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.nextHandle++
	id := m.nextHandle
	m.handles[id] = fh
	m.mu.Unlock()
	return id, nil
}

func (m *vafsModule) CloseHandle(handleBase uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, handleBase)
	return nil
}

func (m *vafsModule) Read(entryBase, handleBase uintptr, buffer []byte, off int64) (int, error) {
	fh, ok := m.lookupHandle(handleBase)
	if !ok {
		return 0, status.New(status.NotFound, "unknown vafs handle")
	}
	if off >= 0 {
		if _, err := fh.Seek(off, vafs.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := fh.Read(buffer)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (m *vafsModule) Write(entryBase, handleBase uintptr, buffer []byte, off int64) (int, error) {
	return 0, status.New(status.NotSupported, "vafs images are read-only")
}

func (m *vafsModule) Seek(entryBase, handleBase uintptr, absolutePos int64) error {
	fh, ok := m.lookupHandle(handleBase)
	if !ok {
		return status.New(status.NotFound, "unknown vafs handle")
	}
	_, err := fh.Seek(absolutePos, vafs.SeekStart)
	return err
}

func (m *vafsModule) ChangeSize(entryBase uintptr, size int64) error {
	return status.New(status.NotSupported, "vafs images are read-only")
}

func (m *vafsModule) lookupHandle(handleBase uintptr) (*vafs.FileHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fh, ok := m.handles[handleBase]
	return fh, ok
}

var _ vfs.ModuleInterface = (*vafsModule)(nil)
