// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !(linux || darwin)

package osutil

import "os"

// removeAll defers to [os.RemoveAll],
// which also declines to follow symbolic links inside path.
func removeAll(path string) error {
	return os.RemoveAll(path)
}
