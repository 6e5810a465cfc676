// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package compiler

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// limitMemory sets the address space limit of the process pid.
func limitMemory(pid int, limit int64) error {
	rlim := &unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, rlim, nil); err != nil {
		return fmt.Errorf("set address space limit of process %d: %w", pid, err)
	}
	return nil
}
