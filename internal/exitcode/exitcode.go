// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package exitcode defines the process exit statuses
// that a compile worker uses to report its final disposition.
package exitcode

import "errors"

// Sentinel exit statuses.
// Values below 100 are reserved for compiler exit statuses.
const (
	OK               = 0
	DistccFailed     = 100
	BadArguments     = 101
	CompilerCrashed  = 104
	OutOfMemory      = 105
	IOError          = 107
	ProtocolError    = 109
	CompilerMissing  = 110
	SetuidFailed     = 112
	ClientDisconnect = 118
)

// Coder is implemented by errors that carry a process exit status.
type Coder interface {
	error
	ExitCode() int
}

// Of returns the exit status for err.
// A nil error maps to [OK].
// If err wraps a [Coder], its code is used.
// Any other error maps to [DistccFailed].
func Of(err error) int {
	if err == nil {
		return OK
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ExitCode()
	}
	return DistccFailed
}

// IsResourceExhaustion reports whether code indicates that the job
// could not finish because the host ran out of memory or disk.
// Both are treated identically: the client should retry elsewhere.
func IsResourceExhaustion(code int) bool {
	return code == OutOfMemory || code == IOError
}

// IsSentinel reports whether code is one of the worker's own failure statuses
// rather than a status passed through from the compiler.
func IsSentinel(code int) bool {
	return code >= DistccFailed
}
