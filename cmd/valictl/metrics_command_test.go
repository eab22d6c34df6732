// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/handles"
	"github.com/vali-os/core/internal/ipc"
	"github.com/vali-os/core/internal/memory"
	"github.com/vali-os/core/internal/sched"
)

func TestDemoCollectorReportsHandleAndMemoryGauges(t *testing.T) {
	table := handles.New()
	pool := memory.NewFramePool(0, 64)
	space := memory.New(pool, 0)

	vaddr, err := space.Reserve(4*memory.PageSize, memory.AttrUser|memory.AttrWritable)
	require.NoError(t, err)
	require.NoError(t, space.Commit(vaddr, memory.PageSize, memory.AttrUser|memory.AttrWritable))

	_, err = table.Create(handles.TypeFile, nil)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(newDemoCollector(table, space, pool)))

	families, err := registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "vali_handles_live")
	assert.Contains(t, names, "vali_memory_pages")
	assert.Contains(t, names, "vali_memory_frames_free")
}

func TestSchedCollectorsReportFutexActivity(t *testing.T) {
	mu := sched.NewMutex(sched.MutexPlain, true)
	require.NoError(t, mu.Lock(1, time.Second))
	mu.Unlock(1)

	registry := prometheus.NewRegistry()
	for _, collector := range sched.Collectors() {
		require.NoError(t, registry.Register(collector))
	}

	families, err := registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "vali_sched_futex_wake_total")
}

func TestIPCCollectorsReportInvocationActivity(t *testing.T) {
	callerSpace := memory.New(memory.NewFramePool(0, 64), 0)
	targetSpace := memory.New(memory.NewFramePool(0, 64), 0)
	arena := ipc.New(targetSpace, 64)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := arena.Listen(time.Second)
		if err == nil {
			arena.Reply(append([]byte("ack:"), msg.Inline...))
		}
	}()
	_, err := arena.Invoke(context.Background(), callerSpace, ipc.Message{Inline: []byte("ping")}, ipc.InvokeOptions{Timeout: time.Second})
	require.NoError(t, err)
	<-done

	registry := prometheus.NewRegistry()
	for _, collector := range ipc.Collectors() {
		require.NoError(t, registry.Register(collector))
	}

	families, err := registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "vali_ipc_invoke_duration_seconds")
}
