// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package compiler runs a toolchain compiler for a single compile job.
package compiler

import (
	"fmt"
	"time"

	"zb.256lights.llc/dcc/internal/artifact"
	"zb.256lights.llc/dcc/internal/dccproto"
	"zb.256lights.llc/dcc/internal/exitcode"
	"zb.256lights.llc/dcc/internal/jobstats"
)

// Invocation describes how to run the compiler for a job.
type Invocation struct {
	Job *dccproto.CompileJob

	// EnvRoot is the root directory of the toolchain environment.
	// It is "/" if the process has been confined to the environment.
	EnvRoot string
	// Root is the sandbox root for split debug information builds,
	// or empty if the job does not use one.
	Root string
	// WorkingDir is the directory to run the compiler in.
	// If Root is not empty, WorkingDir is a client path
	// and the compiler runs in Root+WorkingDir.
	WorkingDir string
	// OutputPath is the output file relative to the working directory.
	OutputPath string
	// TempDir is the directory the compiler should use for its own temporary files.
	TempDir string

	// MemoryLimit is the maximum address space of the compiler in bytes.
	// Zero means no limit.
	MemoryLimit int64
	// TimeLimit bounds the compiler's wall-clock time.
	// Zero means no limit.
	TimeLimit time.Duration

	// Source supplies the preprocessed source as file chunks.
	// If nil, the compiler receives empty input.
	Source artifact.Receiver
}

// Dir returns the directory to run the compiler in.
func (inv *Invocation) Dir() string {
	return inv.Root + inv.WorkingDir
}

// Result is the outcome of a compiler run.
type Result struct {
	// Status is the compiler's exit status.
	Status int
	Stdout string
	Stderr string
	// Stats holds the input size, exit code, timing, and page fault counters.
	Stats jobstats.Stats
}

// ExitError is returned when the compiler could not run to completion.
// Code is one of the sentinel values in [exitcode].
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	switch e.Code {
	case exitcode.OutOfMemory:
		return fmt.Sprintf("compiler out of memory: %v", e.Err)
	case exitcode.IOError:
		return fmt.Sprintf("compiler i/o error: %v", e.Err)
	default:
		return fmt.Sprintf("compiler failed (code %d): %v", e.Code, e.Err)
	}
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns e.Code.
func (e *ExitError) ExitCode() int {
	return e.Code
}
