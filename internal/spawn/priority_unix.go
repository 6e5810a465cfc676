// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package spawn

import (
	"os"

	"golang.org/x/sys/unix"
)

func setNiceProcess(n int) error {
	cur, err := niceness(0)
	if err != nil {
		return os.NewSyscallError("getpriority", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, clampNice(cur+n)); err != nil {
		return os.NewSyscallError("setpriority", err)
	}
	return nil
}

func clampNice(n int) int {
	return max(-20, min(n, 19))
}
