// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package devices implements the device manager (spec.md C6/§4.6): device
// and driver records, the vendor/class matching rule, and the
// spawn-on-match driver lifecycle state machine.
package devices

import (
	"fmt"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	specs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/telemetry"
)

var devLog = telemetry.Logger("devices")

// DriverState enumerates a driver's monotone lifecycle, spec.md §3's
// "Driver record": notloaded -> loading -> available.
type DriverState int

const (
	DriverNotLoaded DriverState = iota
	DriverLoading
	DriverAvailable
)

// Identification is a device's (vendor, product, class, subclass)
// tuple, spec.md §3's "Device record" identification tuple.
type Identification struct {
	Vendor   uint16
	Product  uint16
	Class    uint8
	Subclass uint8
}

// Device is spec.md §3's Device record.
type Device struct {
	ID           uint32
	Ident        Identification
	Descriptor   []byte
	ParentID     uint32
	DriverHandle uuid.UUID
	Protocols    []string
}

// MatchConfig is one driver's match rule, loaded from TOML
// (internal/config.DriverEntry) or constructed directly; Vendors[i]
// pairs with Products[i] for an exact vendor/product match, spec.md
// §4.6's matching rule (i).
type MatchConfig struct {
	Name       string
	Image      string
	Class      uint8
	Subclass   uint8
	Vendors    []uint16
	Products   []uint16
	MinVersion semver.Version
}

// Matches reports whether a device's identification satisfies this
// driver's match rule, spec.md §4.6: "(i) v's vendor list contains a
// product matching (d.vendor, d.product), or (ii) v.class == d.class
// and v.subclass == d.subclass".
func (m MatchConfig) Matches(ident Identification) bool {
	for i := range m.Vendors {
		if i < len(m.Products) && m.Vendors[i] == ident.Vendor && m.Products[i] == ident.Product {
			return true
		}
	}
	return m.Class == ident.Class && m.Subclass == ident.Subclass
}

// cdiKind renders a driver's match identity as a CDI Spec in CDI's
// "vendor.com/class" kind naming convention, recording every
// vendor:product pair the match rule accepts as a device annotation so
// the identification tooling reads back is the same tuple spec.md
// §4.6's matching rule (i) compares against, not just a name string.
func cdiKind(m MatchConfig) specs.Spec {
	device := specs.Device{Name: m.Name, Annotations: make(map[string]string)}
	for i, vendor := range m.Vendors {
		if i >= len(m.Products) {
			break
		}
		device.Annotations[fmt.Sprintf("vendor-%04x", vendor)] = fmt.Sprintf("product-%04x", m.Products[i])
	}
	return specs.Spec{
		Version: "0.6.0",
		Kind:    fmt.Sprintf("vali.dev/class-%02x-%02x", m.Class, m.Subclass),
		Devices: []specs.Device{device},
	}
}

// Spawner launches a driver image, returning a process handle the
// manager tracks opaquely (a PID, a container id, or a kernel-process
// handle, depending on deployment). Kept as an injected function so
// tests never fork a real process.
type Spawner func(image string, identArg Identification) (processHandle uint32, err error)

// Driver is spec.md §3's Driver record.
type Driver struct {
	ID      uint32
	State   DriverState
	Process uint32
	Match   MatchConfig
	Pending []uint32 // device ids waiting for this driver
	CDI     specs.Spec
}

// Manager is the device manager: spec.md §4.6's device_register /
// driver_loaded / device_unregister state machine.
type Manager struct {
	mu       sync.Mutex
	devices  map[uint32]*Device
	drivers  []*Driver
	nextID   uint32
	spawn    Spawner
	dispatch Dispatcher
}

// Dispatcher sends a device record to an available driver's RPC
// endpoint, spec.md §4.6's "send the device record to the driver
// immediately via C5" — abstracted behind an interface so the manager
// does not import internal/ipc directly; a concrete Arena-backed
// implementation is wired by the caller composing the two packages.
type Dispatcher interface {
	DispatchDevice(driverID uint32, device Device) error
}

// NewManager constructs an empty device manager. spawn launches driver
// images on match; dispatch delivers device records to already-
// available drivers.
func NewManager(spawn Spawner, dispatch Dispatcher) *Manager {
	return &Manager{
		devices:  make(map[uint32]*Device),
		spawn:    spawn,
		dispatch: dispatch,
	}
}

// RegisterDriver adds match configuration for a driver that may later
// load, returning its allocated id.
func (m *Manager) RegisterDriver(match MatchConfig) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.drivers = append(m.drivers, &Driver{ID: id, Match: match, State: DriverNotLoaded, CDI: cdiKind(match)})
	return id
}

// DriverCDISpec returns the CDI spec rendering of a registered driver's
// match identity, spec.md §3's Driver record threaded through CDI's
// kind/device naming convention for tooling that consumes this shape
// directly instead of reading MatchConfig fields.
func (m *Manager) DriverCDISpec(driverID uint32) (specs.Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.ID == driverID {
			return d.CDI, nil
		}
	}
	return specs.Spec{}, status.New(status.NotFound, "unknown driver id")
}

const registerLoadDriver = 1 << 0

// RegisterDevice implements spec.md §4.6's device_register: stores a
// device record and, if flags requests it, attempts a match
// immediately.
func (m *Manager) RegisterDevice(parent uint32, ident Identification, descriptor []byte, flags int) (uint32, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	dev := &Device{ID: id, Ident: ident, Descriptor: descriptor, ParentID: parent, DriverHandle: uuid.Nil}
	m.devices[id] = dev
	m.mu.Unlock()

	if flags&registerLoadDriver != 0 {
		if err := m.attemptMatch(dev); err != nil {
			return id, err
		}
	}
	return id, nil
}

// attemptMatch implements the on-match state transition table, spec.md
// §4.6.
func (m *Manager) attemptMatch(dev *Device) error {
	m.mu.Lock()
	var matched *Driver
	for _, d := range m.drivers {
		if d.Match.Matches(dev.Ident) {
			matched = d
			break
		}
	}
	if matched == nil {
		m.mu.Unlock()
		return nil
	}

	switch matched.State {
	case DriverNotLoaded:
		matched.State = DriverLoading
		matched.Pending = append(matched.Pending, dev.ID)
		match := matched.Match
		image := match.Image
		m.mu.Unlock()

		handle, err := m.spawn(image, dev.Ident)
		m.mu.Lock()
		if err != nil {
			matched.State = DriverNotLoaded
			matched.Pending = removeID(matched.Pending, dev.ID)
			m.mu.Unlock()
			devLog.WithError(err).WithField("driver", matched.ID).Warn("driver spawn failed")
			return status.Wrap(status.DeviceFault, err)
		}
		matched.Process = handle
		m.mu.Unlock()
		return nil

	case DriverLoading:
		matched.Pending = append(matched.Pending, dev.ID)
		m.mu.Unlock()
		return nil

	case DriverAvailable:
		driverID := matched.ID
		m.mu.Unlock()
		if err := m.dispatch.DispatchDevice(driverID, *dev); err != nil {
			return status.Wrap(status.DeviceFault, err)
		}
		return nil

	default:
		m.mu.Unlock()
		return status.New(status.Unknown, "unreachable driver state")
	}
}

// DriverLoaded implements spec.md §4.6's driver_loaded: marks a driver
// available and re-issues every pending registration exactly once.
func (m *Manager) DriverLoaded(driverID uint32, handle uuid.UUID) error {
	m.mu.Lock()
	var drv *Driver
	for _, d := range m.drivers {
		if d.ID == driverID {
			drv = d
			break
		}
	}
	if drv == nil {
		m.mu.Unlock()
		return status.New(status.NotFound, "unknown driver id")
	}
	drv.State = DriverAvailable
	pending := drv.Pending
	drv.Pending = nil
	m.mu.Unlock()

	var errs error
	for _, devID := range pending {
		m.mu.Lock()
		dev, ok := m.devices[devID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		dev.DriverHandle = handle
		if err := m.dispatch.DispatchDevice(driverID, *dev); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// UnregisterDevice implements the supplemented device_unregister:
// removes the device record and, if a driver is attached, notifies it
// and drops the device from any driver's pending list.
func (m *Manager) UnregisterDevice(deviceID uint32) error {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return status.New(status.NotFound, "unknown device id")
	}
	delete(m.devices, deviceID)
	for _, d := range m.drivers {
		d.Pending = removeID(d.Pending, deviceID)
	}
	hasDriver := dev.DriverHandle != uuid.Nil
	m.mu.Unlock()

	if !hasDriver {
		return nil
	}
	for _, d := range m.drivers {
		if d.Match.Matches(dev.Ident) {
			if d.State == DriverAvailable {
				_ = m.dispatch.DispatchDevice(d.ID, Device{ID: deviceID, ParentID: dev.ParentID})
			}
			break
		}
	}
	return nil
}

// Lookup returns a device by id, spec.md §4.6's "device lookups for an
// unknown id return not-found".
func (m *Manager) Lookup(id uint32) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[id]
	if !ok {
		return Device{}, status.New(status.NotFound, "unknown device id")
	}
	return *dev, nil
}

func removeID(ids []uint32, target uint32) []uint32 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
