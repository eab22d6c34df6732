// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package status defines the closed error-kind enum every fallible core
// operation returns, and the fatal() sink used by unrecoverable kernel
// conditions.
package status

import "fmt"

// Code is a closed enum of error kinds shared by every subsystem in the
// core. Callers switch on Code rather than comparing error values so that
// wrapped errors (see Wrap) still satisfy errors.Is against a Code.
type Code int

const (
	OK Code = iota
	Unknown
	Exists
	NotFound
	InvalidParams
	Permissions
	Timeout
	Interrupted
	NotSupported
	OutOfMemory
	Busy
	Incomplete
	Cancelled
	Blocked
	InProgress
	Overflow
	NotDirectory
	IsDirectory
	LinkInvalid
	TooManyLinks
	DirNotEmpty
	DeviceFault
	ProtocolError
	ConnectionRefused
	ConnectionAborted
	HostUnreachable
	NotConnected
	AlreadyConnected
)

var names = map[Code]string{
	OK:                "ok",
	Unknown:           "unknown",
	Exists:            "exists",
	NotFound:          "not-found",
	InvalidParams:     "invalid-params",
	Permissions:       "permissions",
	Timeout:           "timeout",
	Interrupted:       "interrupted",
	NotSupported:      "not-supported",
	OutOfMemory:       "out-of-memory",
	Busy:              "busy",
	Incomplete:        "incomplete",
	Cancelled:         "cancelled",
	Blocked:           "blocked",
	InProgress:        "in-progress",
	Overflow:          "overflow",
	NotDirectory:      "not-directory",
	IsDirectory:       "is-directory",
	LinkInvalid:       "link-invalid",
	TooManyLinks:      "too-many-links",
	DirNotEmpty:       "dir-not-empty",
	DeviceFault:       "device-fault",
	ProtocolError:     "protocol-error",
	ConnectionRefused: "connection-refused",
	ConnectionAborted: "connection-aborted",
	HostUnreachable:   "host-unreachable",
	NotConnected:      "not-connected",
	AlreadyConnected:  "already-connected",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown"
}

// Error implements error, letting a bare Code be returned and compared
// with errors.Is/errors.As after wrapping.
func (c Code) Error() string {
	return c.String()
}

// Is lets errors.Is(err, status.NotFound) succeed through a Wrap chain.
func (c Code) Is(target error) bool {
	tc, ok := target.(Code)
	return ok && tc == c
}

// Of walks the cause chain of err (as produced by Wrap/Wrapf) and returns
// the first Code found, or Unknown if err does not originate from this
// package.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var c coder
	for e := err; e != nil; {
		if cc, ok := e.(coder); ok {
			c = cc
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if c != nil {
		return c.Code()
	}
	if code, ok := err.(Code); ok {
		return code
	}
	return Unknown
}

// wrapped pairs a Code with a causal chain produced by pkg/errors, mirroring
// virtcontainers/errors' ErrorContext/ErrorReport convention of keeping a
// readable stack while still exposing a single classifying Code.
type wrapped struct {
	code Code
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) Code() Code    { return w.code }

// Is lets errors.Is(err, status.NotFound) succeed directly against a
// wrapped error without needing to unwrap to a bare Code value.
func (w *wrapped) Is(target error) bool {
	tc, ok := target.(Code)
	return ok && tc == w.code
}

// Wrap attaches code to err, preserving err's message and cause chain.
// A nil err returns nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{code: code, err: err}
}

// Wrapf formats a new error classified as code.
func Wrapf(code Code, format string, args ...interface{}) error {
	return &wrapped{code: code, err: fmt.Errorf(format, args...)}
}

// New is Wrapf with no formatting, for the common case of a bare message.
func New(code Code, msg string) error {
	return &wrapped{code: code, err: fmt.Errorf("%s", msg)}
}
