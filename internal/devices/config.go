// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devices

import (
	"github.com/blang/semver/v4"

	"github.com/vali-os/core/internal/config"
	"github.com/vali-os/core/internal/status"
)

// FromConfigEntry converts a TOML [[driver]] table into a MatchConfig,
// parsing its min_version with blang/semver the way kata's config
// layer parses version-gated fields.
func FromConfigEntry(e config.DriverEntry) (MatchConfig, error) {
	mc := MatchConfig{
		Name:     e.Name,
		Image:    e.Image,
		Class:    e.Class,
		Subclass: e.Subclass,
		Vendors:  e.Vendors,
		Products: e.Products,
	}

	if e.MinVersion != "" {
		v, err := semver.Parse(e.MinVersion)
		if err != nil {
			return MatchConfig{}, status.Wrap(status.InvalidParams, err)
		}
		mc.MinVersion = v
	}

	return mc, nil
}

// LoadMatchConfigs reads a TOML configuration file and converts every
// [[driver]] entry into a MatchConfig, registering none of them — the
// caller decides registration order against a Manager.
func LoadMatchConfigs(path string) ([]MatchConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	out := make([]MatchConfig, 0, len(cfg.Driver))
	for _, entry := range cfg.Driver {
		mc, err := FromConfigEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, nil
}
