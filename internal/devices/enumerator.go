// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devices

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"

	"github.com/vali-os/core/internal/status"
)

// Feed is one event source a bus enumerator drains into the manager's
// device_register entrypoint, generalizing spec.md §4.7's storage-only
// "bus enumerator" mention to every device class.
type Feed interface {
	Run(register func(parent uint32, ident Identification, descriptor []byte) error) error
	Close() error
}

// descriptorFile is the on-disk shape a directory-watching feed expects
// for each new device descriptor file: a small JSON sidecar instead of
// raw binary, so fixtures are easy to author and read back in tests.
type descriptorFile struct {
	Parent   uint32 `json:"parent"`
	Vendor   uint16 `json:"vendor"`
	Product  uint16 `json:"product"`
	Class    uint8  `json:"class"`
	Subclass uint8  `json:"subclass"`
}

// DirectoryFeed watches a directory for new device-descriptor files,
// grounded on virtcontainers/fs_share_linux.go's fsnotify.Watcher usage
// pattern (NewWatcher, then drain Events/Errors in a loop), standing in
// for a real bus enumerator that has no filesystem analogue to poll.
type DirectoryFeed struct {
	watcher *fsnotify.Watcher
	dir     string
}

// NewDirectoryFeed watches dir for created files.
func NewDirectoryFeed(dir string) (*DirectoryFeed, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, status.Wrap(status.DeviceFault, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, status.Wrap(status.NotFound, err)
	}
	return &DirectoryFeed{watcher: watcher, dir: dir}, nil
}

// Run drains fsnotify events until the watcher is closed, decoding each
// created file as a descriptorFile and invoking register.
func (f *DirectoryFeed) Run(register func(parent uint32, ident Identification, descriptor []byte) error) error {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != fsnotify.Create {
				continue
			}
			if err := f.registerFromFile(event.Name, register); err != nil {
				devLog.WithError(err).WithField("path", event.Name).Warn("device descriptor decode failed")
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			devLog.WithError(err).Warn("directory feed watch error")
		}
	}
}

func (f *DirectoryFeed) registerFromFile(path string, register func(parent uint32, ident Identification, descriptor []byte) error) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var df descriptorFile
	if err := json.Unmarshal(raw, &df); err != nil {
		return err
	}
	ident := Identification{Vendor: df.Vendor, Product: df.Product, Class: df.Class, Subclass: df.Subclass}
	return register(df.Parent, ident, raw)
}

// Close stops the watcher.
func (f *DirectoryFeed) Close() error {
	return f.watcher.Close()
}

// DBusFeed listens on the system bus for a udev-style device-arrival
// signal, an optional secondary feed alongside DirectoryFeed, Linux-only
// since it requires a running system bus daemon.
type DBusFeed struct {
	conn *dbus.Conn
}

// NewDBusFeed connects to the system bus and subscribes to the device
// manager's arrival signal interface.
func NewDBusFeed() (*DBusFeed, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, status.Wrap(status.DeviceFault, err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.vali.DeviceManager1"),
		dbus.WithMatchMember("DeviceArrived"),
	); err != nil {
		conn.Close()
		return nil, status.Wrap(status.DeviceFault, err)
	}
	return &DBusFeed{conn: conn}, nil
}

// Run drains signal events, expecting each DeviceArrived signal body to
// be (parent uint32, vendor uint16, product uint16, class byte, subclass byte).
func (f *DBusFeed) Run(register func(parent uint32, ident Identification, descriptor []byte) error) error {
	ch := make(chan *dbus.Signal, 16)
	f.conn.Signal(ch)
	for sig := range ch {
		if len(sig.Body) != 5 {
			continue
		}
		parent, ok0 := sig.Body[0].(uint32)
		vendor, ok1 := sig.Body[1].(uint16)
		product, ok2 := sig.Body[2].(uint16)
		class, ok3 := sig.Body[3].(byte)
		subclass, ok4 := sig.Body[4].(byte)
		if !(ok0 && ok1 && ok2 && ok3 && ok4) {
			continue
		}
		ident := Identification{Vendor: vendor, Product: product, Class: class, Subclass: subclass}
		if err := register(parent, ident, nil); err != nil {
			devLog.WithError(err).Warn("dbus device registration failed")
		}
	}
	return nil
}

// Close disconnects from the bus.
func (f *DBusFeed) Close() error {
	return f.conn.Close()
}

// Enumerator drains one or more feeds into a Manager's RegisterDevice,
// spec.md §4.7's bus-enumerator concept generalized across device
// classes (SPEC_FULL.md's C6 expansion).
type Enumerator struct {
	manager *Manager
	feeds   []Feed
	flags   int
}

// NewEnumerator constructs an enumerator over feeds that registers
// every discovered device with flags (typically registerLoadDriver).
func NewEnumerator(manager *Manager, flags int, feeds ...Feed) *Enumerator {
	return &Enumerator{manager: manager, flags: flags, feeds: feeds}
}

// Run starts every feed, blocking until all have returned (normally
// only on Close or an unrecoverable feed error).
func (e *Enumerator) Run() error {
	errCh := make(chan error, len(e.feeds))
	for _, feed := range e.feeds {
		go func(f Feed) {
			errCh <- f.Run(func(parent uint32, ident Identification, descriptor []byte) error {
				_, err := e.manager.RegisterDevice(parent, ident, descriptor, e.flags)
				return err
			})
		}(feed)
	}

	var firstErr error
	for range e.feeds {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops every feed.
func (e *Enumerator) Close() error {
	var firstErr error
	for _, feed := range e.feeds {
		if err := feed.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// descriptorPath is a small helper tests use to write a fixture
// descriptor file for DirectoryFeed.
func descriptorPath(dir, name string) string {
	return filepath.Join(dir, name)
}
