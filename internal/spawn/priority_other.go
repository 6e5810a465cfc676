// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix && !linux

package spawn

import "golang.org/x/sys/unix"

// SetNice adds n to the scheduling niceness of the current process,
// like nice(2).
// Unprivileged processes can only raise their niceness.
func SetNice(n int) error {
	if n == 0 {
		return nil
	}
	return setNiceProcess(n)
}

// niceness returns the niceness of the process who
// (0 for the calling process).
func niceness(who int) (int, error) {
	return unix.Getpriority(unix.PRIO_PROCESS, who)
}
