// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import "github.com/prometheus/client_golang/prometheus"

const namespaceVFS = "vali_vfs"

var viewFaultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespaceVFS,
	Name:      "view_fault_total",
	Help:      "File view page faults by outcome.",
},
	[]string{"outcome"},
)

// Collectors returns the package's prometheus collectors, grounded on
// virtcontainers/sandbox_metrics.go's one-metrics.go-per-subsystem
// registration pattern (SPEC_FULL.md §1's metrics paragraph).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{viewFaultTotal}
}
