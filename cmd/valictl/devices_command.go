// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/devices"
)

var devicesCLICommand = cli.Command{
	Name:  "devices",
	Usage: "exercise the device manager against a driver match configuration",
	Subcommands: []cli.Command{
		devicesListCommand,
	},
}

// loggingDispatcher prints every device dispatched to a driver instead
// of delivering it over a real IPC arena, so the command runs without a
// live driver process on the other end.
type loggingDispatcher struct{ w *tabwriter.Writer }

func (d *loggingDispatcher) DispatchDevice(driverID uint32, device devices.Device) error {
	fmt.Fprintf(d.w, "dispatch\t%d\t%d\t%04x:%04x\n", driverID, device.ID, device.Ident.Vendor, device.Ident.Product)
	return nil
}

var devicesListCommand = cli.Command{
	Name:  "list",
	Usage: "load driver match configuration from TOML, register a sample device, print the result",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a TOML file with [[driver]] entries"},
		cli.Uint64Flag{Name: "vendor", Value: 0, Usage: "vendor id of the sample device to register"},
		cli.Uint64Flag{Name: "product", Value: 0, Usage: "product id of the sample device to register"},
		cli.Uint64Flag{Name: "class", Value: 0, Usage: "class of the sample device to register"},
		cli.Uint64Flag{Name: "subclass", Value: 0, Usage: "subclass of the sample device to register"},
	},
	Action: func(c *cli.Context) error {
		configPath := c.String("config")
		if configPath == "" {
			return fmt.Errorf("--config is required")
		}

		matches, err := devices.LoadMatchConfigs(configPath)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "event\tdriver\tdevice\tidentification")
		dispatcher := &loggingDispatcher{w: w}

		spawn := func(image string, ident devices.Identification) (uint32, error) {
			fmt.Fprintf(w, "spawn\t-\t-\t%s\n", image)
			return 1, nil
		}

		manager := devices.NewManager(spawn, dispatcher)
		for _, m := range matches {
			id := manager.RegisterDriver(m)
			cdi, err := manager.DriverCDISpec(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "register\t%d\t-\tcdi-kind=%s\n", id, cdi.Kind)
			if err := manager.DriverLoaded(id, uuid.New()); err != nil {
				return err
			}
		}

		ident := devices.Identification{
			Vendor:   uint16(c.Uint64("vendor")),
			Product:  uint16(c.Uint64("product")),
			Class:    uint8(c.Uint64("class")),
			Subclass: uint8(c.Uint64("subclass")),
		}
		devID, err := manager.RegisterDevice(0, ident, nil, 1)
		if err != nil {
			return err
		}

		if err := w.Flush(); err != nil {
			return err
		}

		dev, err := manager.Lookup(devID)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "registered device id %d (driver %s)\n", dev.ID, dev.DriverHandle)
		return nil
	},
}
