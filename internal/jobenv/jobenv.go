// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package jobenv prepares a process to run a job
// inside an installed toolchain environment.
package jobenv

import (
	"context"
	"fmt"
	"os"

	"zombiezen.com/go/log"
)

// Chdir changes the working directory to the environment directory
// without confining the process.
// Compilers are located under the environment directory.
type Chdir struct{}

// Prepare changes the working directory to dir and returns dir.
func (Chdir) Prepare(ctx context.Context, dir string) (string, error) {
	if err := os.Chdir(dir); err != nil {
		return "", fmt.Errorf("enter environment: %w", err)
	}
	log.Debugf(ctx, "Using environment %s without chroot", dir)
	return dir, nil
}

// Chroot confines the process to the environment directory
// and then drops privileges to the build user.
// It requires the process to be running as root.
// Chroot affects the whole process,
// so it must only be used in a process dedicated to one job.
type Chroot struct {
	// UID and GID identify the build user.
	// Both must be nonzero.
	UID int
	GID int
}

// Prepare changes the process root to dir, drops privileges,
// and returns "/", the environment root as seen from inside.
func (c Chroot) Prepare(ctx context.Context, dir string) (string, error) {
	if c.UID == 0 || c.GID == 0 {
		return "", fmt.Errorf("enter environment %s: refusing to run jobs as root", dir)
	}
	if err := chroot(dir); err != nil {
		return "", fmt.Errorf("enter environment %s: %w", dir, err)
	}
	if err := dropPrivileges(c.UID, c.GID); err != nil {
		return "", fmt.Errorf("enter environment %s: %w", dir, err)
	}
	log.Debugf(ctx, "Entered environment %s as uid=%d gid=%d", dir, c.UID, c.GID)
	return "/", nil
}
