// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"sync"

	"github.com/vali-os/core/internal/status"
)

// fakeModule is an in-memory ModuleInterface standing in for a concrete
// filesystem parser (out of scope per spec.md §1's Non-goals).
type fakeModule struct {
	mu sync.Mutex

	nextEntryBase  uintptr
	nextHandleBase uintptr
	files          map[string][]byte
	openEntries    map[uintptr]string
	closedEntries  int
	openHandles    int
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		nextEntryBase:  1000,
		nextHandleBase: 2000,
		files:          make(map[string][]byte),
		openEntries:    make(map[uintptr]string),
	}
}

func (m *fakeModule) Initialize(fsBase uintptr) error { return nil }
func (m *fakeModule) Destroy(fsBase uintptr, unmountFlags int) error { return nil }

func (m *fakeModule) OpenEntry(path string) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return 0, status.New(status.NotFound, "no such file")
	}
	base := m.nextEntryBase
	m.nextEntryBase++
	m.openEntries[base] = path
	return base, nil
}

func (m *fakeModule) CreatePath(path string, options int) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		m.files[path] = nil
	}
	base := m.nextEntryBase
	m.nextEntryBase++
	m.openEntries[base] = path
	return base, nil
}

func (m *fakeModule) CloseEntry(entryBase uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openEntries, entryBase)
	m.closedEntries++
	return nil
}

func (m *fakeModule) DeleteEntry(entryBase uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.openEntries[entryBase]
	if !ok {
		return status.New(status.NotFound, "unknown entry")
	}
	delete(m.files, path)
	return nil
}

func (m *fakeModule) OpenHandle(entryBase uintptr) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.nextHandleBase
	m.nextHandleBase++
	m.openHandles++
	return base, nil
}

func (m *fakeModule) CloseHandle(handleBase uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openHandles--
	return nil
}

func (m *fakeModule) Read(entryBase, handleBase uintptr, buffer []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.openEntries[entryBase]
	data := m.files[path]
	if off >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buffer, data[off:])
	return n, nil
}

func (m *fakeModule) Write(entryBase, handleBase uintptr, buffer []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.openEntries[entryBase]
	data := m.files[path]

	pos := off
	if off < 0 {
		pos = int64(len(data))
	}
	end := pos + int64(len(buffer))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[pos:end], buffer)
	m.files[path] = data
	return len(buffer), nil
}

func (m *fakeModule) Seek(entryBase, handleBase uintptr, absolutePos int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.openEntries[entryBase]
	if absolutePos < 0 || absolutePos > int64(len(m.files[path])) {
		return status.New(status.InvalidParams, "seek out of range")
	}
	return nil
}

func (m *fakeModule) ChangeSize(entryBase uintptr, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.openEntries[entryBase]
	data := m.files[path]
	grown := make([]byte, size)
	copy(grown, data)
	m.files[path] = grown
	return nil
}

// fakeFileService implements FileService directly atop a fakeModule's
// backing file, standing in for the real transfer_absolute RPC.
type fakeFileService struct {
	mu   sync.Mutex
	data []byte
}

func newFakeFileService(initial []byte) *fakeFileService {
	return &fakeFileService{data: append([]byte(nil), initial...)}
}

func (s *fakeFileService) TransferAbsolute(fileHandle uintptr, write bool, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + int64(len(buf))
	if write {
		if end > int64(len(s.data)) {
			grown := make([]byte, end)
			copy(grown, s.data)
			s.data = grown
		}
		copy(s.data[offset:end], buf)
		return len(buf), nil
	}

	if offset >= int64(len(s.data)) {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	n := copy(buf, s.data[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}
