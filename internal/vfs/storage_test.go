// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/status"
)

func TestStorageSetupConnectsOnValidGeometry(t *testing.T) {
	s := NewStorage(1, 10, 20, "SN123")
	query := func(driverID, deviceID uint32) (uint32, uint64, error) {
		return 512, 2048, nil
	}
	m := newFakeModule()

	err := s.Setup(query, []PartitionSpec{{MountName: "", Module: m}})
	require.NoError(t, err)
	assert.Equal(t, StorageConnected, s.CurrentState())

	fs, err := s.Filesystem("/storage/SN123")
	require.NoError(t, err)
	assert.Same(t, m, fs.Module)
}

func TestStorageSetupFailsOnInvalidSectorSize(t *testing.T) {
	s := NewStorage(1, 10, 20, "SN456")
	query := func(driverID, deviceID uint32) (uint32, uint64, error) {
		return 100, 2048, nil
	}

	err := s.Setup(query, []PartitionSpec{{Module: newFakeModule()}})
	require.Error(t, err)
	assert.Equal(t, status.InvalidParams, status.Of(err))
	assert.Equal(t, StorageFailed, s.CurrentState())
}

func TestStorageSetupFailsWhenDeviceQueryErrors(t *testing.T) {
	s := NewStorage(1, 10, 20, "SN789")
	query := func(driverID, deviceID uint32) (uint32, uint64, error) {
		return 0, 0, status.New(status.DeviceFault, "no such device")
	}

	err := s.Setup(query, nil)
	require.Error(t, err)
	assert.Equal(t, status.DeviceFault, status.Of(err))
	assert.Equal(t, StorageFailed, s.CurrentState())
}

func TestStorageDisconnectTearsDownFilesystems(t *testing.T) {
	s := NewStorage(1, 10, 20, "SNabc")
	query := func(driverID, deviceID uint32) (uint32, uint64, error) { return 512, 1024, nil }
	require.NoError(t, s.Setup(query, []PartitionSpec{{MountName: "p1", Module: newFakeModule()}}))

	require.NoError(t, s.Disconnect(0))
	assert.Equal(t, StorageDisconnected, s.CurrentState())

	_, err := s.Filesystem("/storage/SNabc/p1")
	require.Error(t, err)
	assert.Equal(t, status.NotFound, status.Of(err))
}
