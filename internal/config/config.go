// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config decodes the kernel's TOML configuration file, grounded
// on pkg/katautils' tomlConfig loader. The only table this expansion of
// the spec actually needs is [[driver]], which seeds the device manager's
// match configuration (spec.md §4.6, §3 "Driver record").
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/vali-os/core/internal/status"
)

// DriverEntry is one [[driver]] table: a driver's spawnable image plus the
// identification tuple the device manager matches devices against.
type DriverEntry struct {
	Name       string   `toml:"name"`
	Image      string   `toml:"image"`
	Class      uint8    `toml:"class"`
	Subclass   uint8    `toml:"subclass"`
	Vendors    []uint16 `toml:"vendors"`
	Products   []uint16 `toml:"products"`
	MinVersion string   `toml:"min_version"`
}

// TOMLConfig is the top-level document. It is deliberately small: the
// core only needs driver match configuration; hypervisor/agent/factory
// tables from the teacher's configuration.toml have no SPEC_FULL.md
// component to bind to and are dropped (see DESIGN.md).
type TOMLConfig struct {
	Driver []DriverEntry `toml:"driver"`
}

// Load reads and decodes path, mirroring katautils.LoadConfiguration's
// read-then-decode shape.
func Load(path string) (TOMLConfig, error) {
	var cfg TOMLConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, status.Wrap(status.NotFound, errors.Wrapf(err, "reading config %q", path))
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, status.Wrap(status.InvalidParams, errors.Wrapf(err, "decoding config %q", path))
	}

	return cfg, nil
}
