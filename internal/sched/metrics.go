// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import "github.com/prometheus/client_golang/prometheus"

const namespaceSched = "vali_sched"

var (
	futexWaitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceSched,
		Name:      "futex_wait_total",
		Help:      "Futex waits by outcome.",
	},
		[]string{"result"},
	)

	futexWakeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceSched,
		Name:      "futex_wake_total",
		Help:      "Waiters woken across all futex addresses.",
	})
)

// Collectors returns the package's prometheus collectors, grounded on
// virtcontainers/sandbox_metrics.go's one-metrics.go-per-subsystem
// registration pattern (SPEC_FULL.md §1's metrics paragraph).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{futexWaitTotal, futexWakeTotal}
}

func waitResultLabel(r WaitResult) string {
	switch r {
	case WaitOK:
		return "ok"
	case WaitTimedOut:
		return "timeout"
	case WaitInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}
