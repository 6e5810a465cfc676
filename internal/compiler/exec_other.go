// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package compiler

import (
	"os"
	"os/exec"

	"zb.256lights.llc/dcc/internal/jobstats"
)

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}

func signaled(state *os.ProcessState) (os.Signal, bool) {
	return nil, false
}

func isMemorySignal(sig os.Signal) bool {
	return false
}

func fillUsage(stats *jobstats.Stats, state *os.ProcessState) {}
