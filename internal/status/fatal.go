package status

import (
	"bytes"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

var fatalLog = logrus.WithField("source", "vali-core")

// SetLogger lets callers redirect fatal() diagnostics to a shared logger,
// mirroring pkg/signals.SetLogger.
func SetLogger(logger *logrus.Entry) {
	fatalLog = logger
}

// Halt is invoked by fatal after diagnostics are written. It defaults to
// os.Exit(1) ("halts the offending CPU" in spec.md terms); tests override
// it to assert on the call instead of killing the test binary.
var Halt = func() { os.Exit(1) }

// fatal is the single sink for unrecoverable kernel conditions (spec.md
// §7): it writes a scoped diagnostic message plus a full goroutine dump
// and then calls Halt, grounded on pkg/signals.HandlePanic/Backtrace.
func fatal(scope, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fatalLog.WithField("scope", scope).Error(msg)

	buf := &bytes.Buffer{}
	for _, p := range pprof.Profiles() {
		_ = pprof.Lookup(p.Name()).WriteTo(buf, 2)
	}
	fatalLog.WithField("scope", scope).Debug(buf.String())

	Halt()
}

// Fatal is the exported entrypoint; scope identifies the subsystem raising
// the condition (e.g. "memory.pagefault", "sched.run").
func Fatal(scope, format string, args ...interface{}) {
	fatal(scope, format, args...)
}
