// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package telemetry is the ambient logging/tracing stack shared by every
// core subsystem. It mirrors virtcontainers' package-scoped virtLog plus
// katatrace's span-wrapping convention, generalized to a package any
// subsystem can import without pulling in virtcontainers itself.
package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// coreLog is the root logger every subsystem derives its fields from, the
// same pattern as virtcontainers.virtLog.
var coreLog = logrus.WithField("source", "vali-core")

// SetLogger replaces the root logger, propagating its fields, mirroring
// virtcontainers.SetLogger.
func SetLogger(logger *logrus.Entry) {
	fields := coreLog.Data
	coreLog = logger.WithFields(fields)
}

// Logger returns a subsystem-scoped logger, e.g. telemetry.Logger("memory").
func Logger(subsystem string) *logrus.Entry {
	return coreLog.WithField("subsystem", subsystem)
}

// tracerName is the otel tracer name every subsystem shares; spans are
// distinguished by their own name, not by tracer.
const tracerName = "github.com/vali-os/core"

// Tracer is the shared otel tracer handed out to every subsystem's
// StartSpan calls.
var Tracer trace.Tracer = otel.Tracer(tracerName)

// StartSpan opens a span named "<subsystem>.<op>", grounded on katatrace's
// convention of one span per exported operation carrying its subsystem and
// operation name as attributes.
func StartSpan(ctx context.Context, subsystem, op string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, subsystem+"."+op)
}
