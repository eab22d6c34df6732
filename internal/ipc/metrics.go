// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ipc

import "github.com/prometheus/client_golang/prometheus"

const namespaceIPC = "vali_ipc"

var (
	invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceIPC,
		Name:      "invocations_total",
		Help:      "Arena invocations by argument-passing kind.",
	},
		[]string{"kind"},
	)

	invokeDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespaceIPC,
		Name:      "invoke_duration_seconds",
		Help:      "Round-trip latency of a synchronous Invoke call.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Collectors returns the package's prometheus collectors, grounded on
// virtcontainers/sandbox_metrics.go's one-metrics.go-per-subsystem
// registration pattern (SPEC_FULL.md §4.5's Stats expansion).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{invocationsTotal, invokeDurationSeconds}
}
