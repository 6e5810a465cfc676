// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package compiler

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
	"zb.256lights.llc/dcc/internal/jobstats"
)

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}

func signaled(state *os.ProcessState) (os.Signal, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return nil, false
	}
	return ws.Signal(), true
}

// isMemorySignal reports whether sig is how a process
// typically dies when its address space limit is reached.
func isMemorySignal(sig os.Signal) bool {
	return sig == unix.SIGKILL || sig == unix.SIGSEGV || sig == unix.SIGABRT
}

func fillUsage(stats *jobstats.Stats, state *os.ProcessState) {
	if state == nil {
		return
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return
	}
	stats.Set(jobstats.UserMsec, uint64(ru.Utime.Sec)*1000+uint64(ru.Utime.Usec)/1000)
	stats.Set(jobstats.SysMsec, uint64(ru.Stime.Sec)*1000+uint64(ru.Stime.Usec)/1000)
	stats.Set(jobstats.SysPageFaults, uint64(ru.Minflt)+uint64(ru.Majflt))
}
