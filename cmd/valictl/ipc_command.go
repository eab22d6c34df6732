// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/ipc"
	"github.com/vali-os/core/internal/memory"
)

var ipcCLICommand = cli.Command{
	Name:  "ipc",
	Usage: "exercise the IPC arena: invoke/listen/reply round trip",
	Subcommands: []cli.Command{
		ipcDemoCommand,
	},
}

var ipcDemoCommand = cli.Command{
	Name:  "demo",
	Usage: "send a message through an arena and print the round-tripped reply",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "payload", Value: "ping", Usage: "inline payload to send"},
	},
	Action: func(c *cli.Context) error {
		callerPool := memory.NewFramePool(0, 1024)
		callerSpace := memory.New(callerPool, 0)
		targetPool := memory.NewFramePool(0, 1024)
		targetSpace := memory.New(targetPool, 0)

		arena := ipc.New(targetSpace, 256)

		done := make(chan error, 1)
		go func() {
			msg, err := arena.Listen(time.Second)
			if err != nil {
				done <- err
				return
			}
			reply := append([]byte("echo:"), msg.Inline...)
			done <- arena.Reply(reply)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		payload := []byte(c.String("payload"))
		reply, err := arena.Invoke(ctx, callerSpace, ipc.Message{Inline: payload}, ipc.InvokeOptions{Timeout: time.Second})
		if err != nil {
			return err
		}
		if err := <-done; err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "sent:  %s\n", payload)
		fmt.Fprintf(c.App.Writer, "reply: %s\n", bytes.TrimRight(reply, "\x00"))
		stats := arena.CurrentStats()
		fmt.Fprintf(c.App.Writer, "stats: write_locked=%v read_pending=%v response_ready=%v clones=%d\n",
			stats.WriteLocked, stats.ReadPending, stats.ResponseReady, stats.OutstandingClones)
		return nil
	},
}
