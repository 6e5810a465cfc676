// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import "fmt"

// Kind classifies a job failure.
// The [Error.Code] follows from the kind.
// IOError failures exit with exitcode.IOError
// and ResourceExhausted failures with exitcode.OutOfMemory.
// CompilerFailure keeps the compiler's exit status.
// Everything else exits with exitcode.DistccFailed.
type Kind int

// Failure kinds.
const (
	// EnvironmentMissing means the toolchain environment is absent
	// or the temporary directory is not writable.
	EnvironmentMissing Kind = 1 + iota
	// IOError means a temporary file or directory could not be created,
	// the output file name could not be mapped into the sandbox,
	// or an output file could not be read.
	IOError
	// ResourceExhausted means the compiler ran out of memory or disk space.
	ResourceExhausted
	// TransportFailure means a message could not be sent to the client.
	TransportFailure
	// CompilerFailure means the compiler did not succeed.
	CompilerFailure
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case EnvironmentMissing:
		return "environment missing"
	case IOError:
		return "i/o error"
	case ResourceExhausted:
		return "resource exhausted"
	case TransportFailure:
		return "transport failure"
	case CompilerFailure:
		return "compiler failure"
	default:
		return fmt.Sprintf("worker.Kind(%d)", int(k))
	}
}

// Error is the error returned by [Run] when a job fails.
type Error struct {
	Kind Kind
	// Code is the process exit status for the failure.
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns e.Code.
func (e *Error) ExitCode() int {
	return e.Code
}
