// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/memory"
)

var memoryCLICommand = cli.Command{
	Name:  "memory",
	Usage: "exercise an address space: reserve, commit and dump its stats",
	Subcommands: []cli.Command{
		memoryDumpCommand,
	},
}

var memoryDumpCommand = cli.Command{
	Name:  "dump",
	Usage: "reserve and commit ranges in a fresh address space, then print its stats",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "frames", Value: 4096, Usage: "number of physical frames to back the space"},
		cli.StringFlag{Name: "reserve", Value: "1MiB", Usage: "length to reserve, e.g. 1MiB, 4KiB"},
		cli.StringFlag{Name: "commit", Value: "64KiB", Usage: "length of the reserved range to commit"},
	},
	Action: func(c *cli.Context) error {
		reserveLen, err := memory.ParseSize(c.String("reserve"))
		if err != nil {
			return fmt.Errorf("parsing --reserve: %w", err)
		}
		commitLen, err := memory.ParseSize(c.String("commit"))
		if err != nil {
			return fmt.Errorf("parsing --commit: %w", err)
		}
		if commitLen > reserveLen {
			return fmt.Errorf("--commit (%s) cannot exceed --reserve (%s)", c.String("commit"), c.String("reserve"))
		}

		pool := memory.NewFramePool(0, c.Int("frames"))
		space := memory.New(pool, 0)

		vaddr, err := space.Reserve(reserveLen, memory.AttrUser|memory.AttrWritable)
		if err != nil {
			return err
		}
		if commitLen > 0 {
			if err := space.Commit(vaddr, commitLen, memory.AttrUser|memory.AttrWritable); err != nil {
				return err
			}
		}

		free, total := pool.Stats()
		stats := space.Stats()

		fmt.Fprintf(c.App.Writer, "reserved at:      0x%x\n", vaddr)
		fmt.Fprintf(c.App.Writer, "reserved pages:   %d\n", stats.ReservedPages)
		fmt.Fprintf(c.App.Writer, "committed pages:  %d\n", stats.CommittedPages)
		fmt.Fprintf(c.App.Writer, "frame pool free:  %d / %d\n", free, total)
		return nil
	},
}
