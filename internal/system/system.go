// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package system identifies the host platform that compile jobs target.
package system

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Uname holds the fields of uname(2) that identify a platform.
type Uname struct {
	Sysname string
	Release string
	Machine string
}

// Platform returns the platform name for u.
// On Linux, the platform is the machine name.
// Other systems prefix the machine name with the system name and an underscore.
// Darwin's system name includes its major release number
// (for example, "Darwin23_arm64").
// Spaces are removed.
func (u Uname) Platform() (string, error) {
	var platform string
	switch u.Sysname {
	case "Linux":
		platform = u.Machine
	case "Darwin":
		major, _, ok := strings.Cut(u.Release, ".")
		if !ok {
			return "", fmt.Errorf("determine platform: cannot determine Darwin release from %q", u.Release)
		}
		platform = u.Sysname + major + "_" + u.Machine
	default:
		platform = u.Sysname + "_" + u.Machine
	}
	platform = strings.ReplaceAll(platform, " ", "")
	if platform == "" || strings.HasSuffix(platform, "_") {
		return "", fmt.Errorf("determine platform: empty machine name")
	}
	return platform, nil
}

var currentPlatform = sync.OnceValues(func() (string, error) {
	u, err := uname()
	if err != nil {
		return "", fmt.Errorf("determine platform: %w", err)
	}
	return u.Platform()
})

// Platform returns the platform name of the running system.
// The result is computed once per process.
func Platform() (string, error) {
	return currentPlatform()
}

// NumCPU returns the number of CPUs usable by the current process.
// It is always at least 1.
func NumCPU() int {
	return max(runtime.NumCPU(), 1)
}
