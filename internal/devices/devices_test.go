// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devices

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/status"
)

type recordingDispatcher struct {
	sent []Device
}

func (r *recordingDispatcher) DispatchDevice(driverID uint32, device Device) error {
	r.sent = append(r.sent, device)
	return nil
}

func TestMatchConfigVendorProductPair(t *testing.T) {
	m := MatchConfig{Class: 2, Vendors: []uint16{0x8086}, Products: []uint16{0x1234}}
	assert.True(t, m.Matches(Identification{Vendor: 0x8086, Product: 0x1234}))
	assert.False(t, m.Matches(Identification{Vendor: 0x8086, Product: 0x9999}))
}

func TestMatchConfigClassSubclass(t *testing.T) {
	m := MatchConfig{Class: 1, Subclass: 2}
	assert.True(t, m.Matches(Identification{Class: 1, Subclass: 2}))
	assert.False(t, m.Matches(Identification{Class: 1, Subclass: 3}))
}

func TestRegisterDeviceSpawnsDriverOnFirstMatch(t *testing.T) {
	spawnCalls := 0
	spawn := func(image string, ident Identification) (uint32, error) {
		spawnCalls++
		return 99, nil
	}
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(spawn, dispatcher)
	mgr.RegisterDriver(MatchConfig{Name: "disk", Class: 1, Subclass: 0, Image: "/sbin/diskd"})

	id, err := mgr.RegisterDevice(0, Identification{Class: 1, Subclass: 0}, nil, registerLoadDriver)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, 1, spawnCalls)
}

func TestRegisterDeviceQueuesWhileLoading(t *testing.T) {
	spawn := func(image string, ident Identification) (uint32, error) { return 1, nil }
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(spawn, dispatcher)
	driverID := mgr.RegisterDriver(MatchConfig{Class: 2, Subclass: 0})

	id1, err := mgr.RegisterDevice(0, Identification{Class: 2, Subclass: 0}, nil, registerLoadDriver)
	require.NoError(t, err)
	id2, err := mgr.RegisterDevice(0, Identification{Class: 2, Subclass: 0}, nil, registerLoadDriver)
	require.NoError(t, err)

	require.NoError(t, mgr.DriverLoaded(driverID, uuid.New()))
	assert.Len(t, dispatcher.sent, 2)
	assert.ElementsMatch(t, []uint32{id1, id2}, []uint32{dispatcher.sent[0].ID, dispatcher.sent[1].ID})
}

func TestRegisterDeviceDispatchesImmediatelyWhenAvailable(t *testing.T) {
	spawn := func(image string, ident Identification) (uint32, error) { return 1, nil }
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(spawn, dispatcher)
	driverID := mgr.RegisterDriver(MatchConfig{Class: 3, Subclass: 0})
	require.NoError(t, mgr.DriverLoaded(driverID, uuid.New()))

	id, err := mgr.RegisterDevice(0, Identification{Class: 3, Subclass: 0}, nil, registerLoadDriver)
	require.NoError(t, err)
	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, id, dispatcher.sent[0].ID)
}

func TestSpawnFailureResetsDriverToNotLoaded(t *testing.T) {
	spawn := func(image string, ident Identification) (uint32, error) {
		return 0, assertErr{}
	}
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(spawn, dispatcher)
	mgr.RegisterDriver(MatchConfig{Class: 4, Subclass: 0})

	_, err := mgr.RegisterDevice(0, Identification{Class: 4, Subclass: 0}, nil, registerLoadDriver)
	require.Error(t, err)
	assert.Equal(t, status.DeviceFault, status.Of(err))

	mgr.mu.Lock()
	state := mgr.drivers[0].State
	mgr.mu.Unlock()
	assert.Equal(t, DriverNotLoaded, state)
}

type assertErr struct{}

func (assertErr) Error() string { return "spawn failed" }

func TestLookupUnknownDeviceIsNotFound(t *testing.T) {
	mgr := NewManager(nil, &recordingDispatcher{})
	_, err := mgr.Lookup(999)
	require.Error(t, err)
	assert.Equal(t, status.NotFound, status.Of(err))
}

func TestUnregisterDeviceRemovesFromPendingList(t *testing.T) {
	spawn := func(image string, ident Identification) (uint32, error) { return 1, nil }
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(spawn, dispatcher)
	mgr.RegisterDriver(MatchConfig{Class: 5, Subclass: 0})

	id, err := mgr.RegisterDevice(0, Identification{Class: 5, Subclass: 0}, nil, registerLoadDriver)
	require.NoError(t, err)

	require.NoError(t, mgr.UnregisterDevice(id))
	_, err = mgr.Lookup(id)
	require.Error(t, err)

	mgr.mu.Lock()
	pending := mgr.drivers[0].Pending
	mgr.mu.Unlock()
	assert.NotContains(t, pending, id)
}
