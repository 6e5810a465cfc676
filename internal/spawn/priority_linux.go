// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package spawn

import (
	"errors"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// SetNice adds n to the scheduling niceness of the current process,
// like nice(2).
// Unprivileged processes can only raise their niceness.
func SetNice(n int) error {
	if n == 0 {
		return nil
	}
	// Linux priorities are per-thread,
	// and the Go runtime may already have started several threads.
	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return setNiceProcess(n)
	}
	var firstErr error
	for _, ent := range tasks {
		tid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		cur, err := niceness(tid)
		if err == nil {
			err = unix.Setpriority(unix.PRIO_PROCESS, tid, clampNice(cur+n))
		}
		if err != nil && !errors.Is(err, unix.ESRCH) && firstErr == nil {
			firstErr = os.NewSyscallError("setpriority", err)
		}
	}
	return firstErr
}

// niceness returns the niceness of the thread or process who
// (0 for the calling thread).
func niceness(who int) (int, error) {
	// The raw system call returns 20 - nice to avoid negative values.
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, who)
	if err != nil {
		return 0, err
	}
	return 20 - prio, nil
}
