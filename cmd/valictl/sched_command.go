// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/sched"
)

var schedCLICommand = cli.Command{
	Name:  "sched",
	Usage: "exercise the scheduler's mutex/condition primitives",
	Subcommands: []cli.Command{
		schedMutexDemoCommand,
	},
}

var schedMutexDemoCommand = cli.Command{
	Name:  "mutex-demo",
	Usage: "contend a shared mutex from several goroutines and report wait outcomes",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "waiters", Value: 4, Usage: "number of contending goroutines"},
		cli.DurationFlag{Name: "hold", Value: 10 * time.Millisecond, Usage: "how long each goroutine holds the lock"},
	},
	Action: func(c *cli.Context) error {
		waiters := c.Int("waiters")
		hold := c.Duration("hold")

		mu := sched.NewMutex(sched.MutexPlain, true)
		cond := sched.NewCondition()

		var wg sync.WaitGroup
		var order []int
		var orderMu sync.Mutex

		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(tid uint32) {
				defer wg.Done()
				if err := mu.Lock(tid, time.Second); err != nil {
					valiLog.WithError(err).WithField("tid", tid).Warn("mutex-demo: lock failed")
					return
				}
				time.Sleep(hold)
				orderMu.Lock()
				order = append(order, int(tid))
				orderMu.Unlock()
				mu.Unlock(tid)
				cond.Signal()
			}(uint32(i + 1))
		}
		wg.Wait()

		fmt.Fprintf(c.App.Writer, "waiters:        %d\n", waiters)
		fmt.Fprintf(c.App.Writer, "completed order: %v\n", order)
		return nil
	},
}
