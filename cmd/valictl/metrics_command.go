// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vali-os/core/internal/handles"
	"github.com/vali-os/core/internal/ipc"
	"github.com/vali-os/core/internal/memory"
	"github.com/vali-os/core/internal/sched"
	"github.com/vali-os/core/internal/vfs"
)

// churnMutex repeatedly locks and unlocks a mutex from this one
// goroutine. The mutex is never contended, so these calls take the
// uncontended path and issue no futex wait or wake; the futex counters
// in sched.Collectors() get their samples from churnIPC's arena waits.
func churnMutex(interval time.Duration, stop <-chan struct{}) {
	mu := sched.NewMutex(sched.MutexPlain, true)
	var tid uint32
	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
			tid++
			if err := mu.Lock(tid, interval); err != nil {
				logrus.WithError(err).Debug("metrics demo: mutex lock failed")
				continue
			}
			mu.Unlock(tid)
		}
	}
}

// churnIPC repeatedly round-trips a message through an arena so
// ipc.Collectors() reports non-zero invocation counts and latency
// samples while the demo server is running.
func churnIPC(interval time.Duration, stop <-chan struct{}) {
	callerSpace := memory.New(memory.NewFramePool(0, 256), 0)
	targetSpace := memory.New(memory.NewFramePool(0, 256), 0)
	arena := ipc.New(targetSpace, 64)

	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
			done := make(chan struct{})
			go func() {
				defer close(done)
				msg, err := arena.Listen(interval)
				if err != nil {
					return
				}
				arena.Reply(append([]byte("ack:"), msg.Inline...))
			}()
			if _, err := arena.Invoke(context.Background(), callerSpace, ipc.Message{Inline: []byte("ping")}, ipc.InvokeOptions{Timeout: interval}); err != nil {
				logrus.WithError(err).Debug("metrics demo: ipc invoke failed")
			}
			<-done
		}
	}
}

var metricsCLICommand = cli.Command{
	Name:  "metrics",
	Usage: "serve live scheduler, IPC, VFS and demo handle/memory gauges over HTTP in Prometheus exposition format",
	Subcommands: []cli.Command{
		metricsServeCommand,
	},
}

// demoCollector exposes a handle table and an address space's live
// state as prometheus gauges, grounded on cmd/container-monitor's
// Desc-per-metric Collector shape.
type demoCollector struct {
	table *handles.Table
	space *memory.AddressSpace
	pool  *memory.FramePool

	handlesLive *prometheus.Desc
	handlesPeak *prometheus.Desc
	pagesDesc   *prometheus.Desc
	framesFree  *prometheus.Desc
}

func newDemoCollector(table *handles.Table, space *memory.AddressSpace, pool *memory.FramePool) *demoCollector {
	return &demoCollector{
		table: table,
		space: space,
		pool:  pool,
		handlesLive: prometheus.NewDesc("vali_handles_live", "Live handle count by type.",
			[]string{"type"}, nil),
		handlesPeak: prometheus.NewDesc("vali_handles_peak", "Peak handle count by type.",
			[]string{"type"}, nil),
		pagesDesc: prometheus.NewDesc("vali_memory_pages", "Address space page count by state.",
			[]string{"state"}, nil),
		framesFree: prometheus.NewDesc("vali_memory_frames_free", "Free physical frames in the demo pool.",
			nil, nil),
	}
}

func (c *demoCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handlesLive
	ch <- c.handlesPeak
	ch <- c.pagesDesc
	ch <- c.framesFree
}

func (c *demoCollector) Collect(ch chan<- prometheus.Metric) {
	for typ, stats := range c.table.Stats() {
		name := handleTypeName(typ)
		ch <- prometheus.MustNewConstMetric(c.handlesLive, prometheus.GaugeValue, float64(stats.Live), name)
		ch <- prometheus.MustNewConstMetric(c.handlesPeak, prometheus.GaugeValue, float64(stats.Peak), name)
	}

	stats := c.space.Stats()
	ch <- prometheus.MustNewConstMetric(c.pagesDesc, prometheus.GaugeValue, float64(stats.CommittedPages), "committed")
	ch <- prometheus.MustNewConstMetric(c.pagesDesc, prometheus.GaugeValue, float64(stats.ReservedPages), "reserved")

	free, _ := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.framesFree, prometheus.GaugeValue, float64(free))
}

var metricsServeCommand = cli.Command{
	Name:  "serve",
	Usage: "churn a demo handle table and address space, exposing their stats at /metrics",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "listen-address", Value: "127.0.0.1:9090", Usage: "address to listen on for HTTP requests"},
		cli.DurationFlag{Name: "churn-interval", Value: 2 * time.Second, Usage: "how often the demo workload creates/destroys a handle"},
	},
	Action: func(c *cli.Context) error {
		table := handles.New()
		table.RegisterDestructor(handles.TypeFile, func(interface{}, bool) {})

		pool := memory.NewFramePool(0, 8192)
		space := memory.New(pool, 0)
		vaddr, err := space.Reserve(16*memory.PageSize, memory.AttrUser|memory.AttrWritable)
		if err != nil {
			return err
		}
		if err := space.Commit(vaddr, 4*memory.PageSize, memory.AttrUser|memory.AttrWritable); err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		if err := registry.Register(newDemoCollector(table, space, pool)); err != nil {
			return err
		}
		for _, collector := range sched.Collectors() {
			if err := registry.Register(collector); err != nil {
				return err
			}
		}
		for _, collector := range ipc.Collectors() {
			if err := registry.Register(collector); err != nil {
				return err
			}
		}
		for _, collector := range vfs.Collectors() {
			if err := registry.Register(collector); err != nil {
				return err
			}
		}

		stop := make(chan struct{})
		go churnHandles(table, c.Duration("churn-interval"), stop)
		go churnMutex(c.Duration("churn-interval"), stop)
		go churnIPC(c.Duration("churn-interval"), stop)
		defer close(stop)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "available endpoints:\n  /metrics - Prometheus exposition of the demo handle table, address space, scheduler and IPC arena")
		})

		addr := c.String("listen-address")
		valiLog.WithField("listen-address", addr).Info("serving demo metrics")

		server := &http.Server{Addr: addr, Handler: mux}
		return server.ListenAndServe()
	},
}

func churnHandles(table *handles.Table, interval time.Duration, stop <-chan struct{}) {
	var outstanding []uint32
	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
			h, err := table.Create(handles.TypeFile, nil)
			if err != nil {
				logrus.WithError(err).Debug("metrics demo: create failed")
				continue
			}
			outstanding = append(outstanding, h.ID)
			if len(outstanding) > 3 {
				table.Destroy(outstanding[0])
				outstanding = outstanding[1:]
			}
		}
	}
}
