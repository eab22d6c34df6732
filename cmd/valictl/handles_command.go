// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/handles"
)

var handlesCLICommand = cli.Command{
	Name:  "handles",
	Usage: "exercise the process-wide handle table",
	Subcommands: []cli.Command{
		handlesDemoCommand,
	},
}

var handlesDemoCommand = cli.Command{
	Name:  "demo",
	Usage: "create and destroy handles of a given type and print live/peak counts",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "count", Value: 4, Usage: "number of handles to create"},
		cli.IntFlag{Name: "keep", Value: 1, Usage: "number of handles to leave referenced"},
		cli.StringFlag{Name: "type", Value: "file", Usage: "handle type: file, event, queue, shm, socket, pipe, process, thread"},
	},
	Action: func(c *cli.Context) error {
		typ, err := parseHandleType(c.String("type"))
		if err != nil {
			return err
		}

		count := c.Int("count")
		keep := c.Int("keep")
		if keep > count {
			return fmt.Errorf("keep (%d) cannot exceed count (%d)", keep, count)
		}

		table := handles.New()
		table.RegisterDestructor(typ, func(payload interface{}, owns bool) {
			valiLog.WithField("payload", payload).WithField("owns", owns).Debug("handle destructor ran")
		})

		var created []handles.Handle
		for i := 0; i < count; i++ {
			h, err := table.Create(typ, fmt.Sprintf("payload-%d", i))
			if err != nil {
				return err
			}
			created = append(created, h)
		}

		for i := keep; i < len(created); i++ {
			table.Destroy(created[i].ID)
		}

		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "type\tlive\tpeak")
		for typ, stats := range table.Stats() {
			fmt.Fprintf(w, "%s\t%d\t%d\n", handleTypeName(typ), stats.Live, stats.Peak)
		}
		return w.Flush()
	},
}

func parseHandleType(s string) (handles.Type, error) {
	switch s {
	case "file":
		return handles.TypeFile, nil
	case "event":
		return handles.TypeEvent, nil
	case "queue":
		return handles.TypeQueue, nil
	case "shm":
		return handles.TypeSHM, nil
	case "socket":
		return handles.TypeSocket, nil
	case "pipe":
		return handles.TypePipe, nil
	case "process":
		return handles.TypeProcess, nil
	case "thread":
		return handles.TypeThread, nil
	default:
		return 0, fmt.Errorf("unknown handle type %q", s)
	}
}

func handleTypeName(t handles.Type) string {
	switch t {
	case handles.TypeFile:
		return "file"
	case handles.TypeEvent:
		return "event"
	case handles.TypeQueue:
		return "queue"
	case handles.TypeSHM:
		return "shm"
	case handles.TypeSocket:
		return "socket"
	case handles.TypePipe:
		return "pipe"
	case handles.TypeProcess:
		return "process"
	case handles.TypeThread:
		return "thread"
	default:
		return "unknown"
	}
}
