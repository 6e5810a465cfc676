// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package jobenv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func chroot(dir string) error {
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	return nil
}

// dropPrivileges switches to the given user.
// Since Go 1.16, the set*id calls apply to all threads of the process.
func dropPrivileges(uid, gid int) error {
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("drop privileges: setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("drop privileges: setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("drop privileges: setuid: %w", err)
	}
	return nil
}
