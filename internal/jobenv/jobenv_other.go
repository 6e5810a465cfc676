// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package jobenv

import "errors"

func chroot(dir string) error {
	return errors.New("chroot not supported on this platform")
}

func dropPrivileges(uid, gid int) error {
	return errors.New("changing users not supported on this platform")
}
