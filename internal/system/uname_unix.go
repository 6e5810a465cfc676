// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package system

import (
	"os"

	"golang.org/x/sys/unix"
)

func uname() (Uname, error) {
	var buf unix.Utsname
	if err := unix.Uname(&buf); err != nil {
		return Uname{}, os.NewSyscallError("uname", err)
	}
	return Uname{
		Sysname: unix.ByteSliceToString(buf.Sysname[:]),
		Release: unix.ByteSliceToString(buf.Release[:]),
		Machine: unix.ByteSliceToString(buf.Machine[:]),
	}, nil
}
