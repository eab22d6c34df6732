// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"fmt"
	"sync"

	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/telemetry"
)

var vfsLog = telemetry.Logger("vfs")

// StorageState enumerates a FileSystemStorage's lifecycle, spec.md §3's
// "Filesystem-storage" record.
type StorageState int

const (
	StorageInitializing StorageState = iota
	StorageConnected
	StorageDisconnected
	StorageFailed
)

// DeviceQuery abstracts the C5 round-trip the setup job uses to fetch a
// device descriptor, spec.md §4.7 step (a).
type DeviceQuery func(driverID, deviceID uint32) (sectorSize uint32, sectorCount uint64, err error)

// FileSystemStorage is spec.md §3's Filesystem-storage record.
type FileSystemStorage struct {
	mu sync.Mutex

	ID         uint32
	DriverID   uint32
	DeviceID   uint32
	Serial     string
	SectorSize uint32
	SectorCount uint64
	State      StorageState

	filesystems map[string]*Filesystem
}

// Filesystem is one mounted filesystem within a storage device (a whole
// disk, or one partition).
type Filesystem struct {
	MountPath string
	Module    ModuleInterface
	FSBase    uintptr
	cache     *EntryCache
}

// NewStorage allocates a FileSystemStorage in the initializing state.
func NewStorage(id, driverID, deviceID uint32, serial string) *FileSystemStorage {
	return &FileSystemStorage{
		ID:          id,
		DriverID:    driverID,
		DeviceID:    deviceID,
		Serial:      serial,
		State:       StorageInitializing,
		filesystems: make(map[string]*Filesystem),
	}
}

// PartitionSpec names one mount within a storage device (MountName, empty
// for the whole disk) and the module that mounts it. Callers pass the
// list to Setup; Setup does no partition detection of its own.
type PartitionSpec struct {
	MountName string
	Module    ModuleInterface
}

// Setup runs spec.md §4.7's setup job: query the device descriptor,
// validate sector geometry, mount under /storage/<serial>/, and
// initialize every partition's module. Final state is connected or
// failed — disconnected is reached later via Disconnect, not here.
func (s *FileSystemStorage) Setup(query DeviceQuery, partitions []PartitionSpec) error {
	sectorSize, sectorCount, err := query(s.DriverID, s.DeviceID)
	if err != nil {
		s.mu.Lock()
		s.State = StorageFailed
		s.mu.Unlock()
		return status.Wrap(status.DeviceFault, err)
	}
	if sectorSize == 0 || sectorSize%512 != 0 {
		s.mu.Lock()
		s.State = StorageFailed
		s.mu.Unlock()
		return status.New(status.InvalidParams, "invalid sector geometry")
	}

	s.mu.Lock()
	s.SectorSize = sectorSize
	s.SectorCount = sectorCount
	s.mu.Unlock()

	base := fmt.Sprintf("/storage/%s", s.Serial)
	for _, p := range partitions {
		mountPath := base
		if p.MountName != "" {
			mountPath = base + "/" + p.MountName
		}
		if err := p.Module.Initialize(0); err != nil {
			s.mu.Lock()
			s.State = StorageFailed
			s.mu.Unlock()
			return status.Wrap(status.DeviceFault, err)
		}

		fs := &Filesystem{MountPath: mountPath, Module: p.Module, cache: NewEntryCache()}
		s.mu.Lock()
		s.filesystems[mountPath] = fs
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.State = StorageConnected
	s.mu.Unlock()
	vfsLog.WithField("storage", s.ID).WithField("mounts", len(partitions)).Info("storage connected")
	return nil
}

// Disconnect tears every mounted filesystem down and marks the storage
// disconnected.
func (s *FileSystemStorage) Disconnect(unmountFlags int) error {
	s.mu.Lock()
	filesystems := s.filesystems
	s.filesystems = make(map[string]*Filesystem)
	s.mu.Unlock()

	var firstErr error
	for _, fs := range filesystems {
		if err := fs.Module.Destroy(fs.FSBase, unmountFlags); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	s.State = StorageDisconnected
	s.mu.Unlock()
	return firstErr
}

// Filesystem returns the mounted filesystem at mountPath.
func (s *FileSystemStorage) Filesystem(mountPath string) (*Filesystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.filesystems[mountPath]
	if !ok {
		return nil, status.New(status.NotFound, "no filesystem mounted at path")
	}
	return fs, nil
}

// CurrentState returns the storage's lifecycle state.
func (s *FileSystemStorage) CurrentState() StorageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}
