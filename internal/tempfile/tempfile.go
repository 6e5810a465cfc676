// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package tempfile allocates collision-free temporary file and directory names
// under a shared temporary directory.
//
// Several workers may allocate names in the same directory concurrently.
// Exclusivity is guaranteed by atomic create-if-absent (O_CREATE|O_EXCL for files,
// mkdir(2) for directories), never by checking for existence first.
package tempfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultMaxAttempts is the number of names tried before giving up.
// It is a safety net against looping forever, not an expected path.
const DefaultMaxAttempts = 1_000_000

// perturbation is added to the random component after a collision.
const perturbation = 7777

// dirTemplatePrefix is the fixed part of directory names made by [Allocator.MkdirTemp].
const dirTemplatePrefix = "dcc-"

// ErrExhausted is returned (wrapped) when every attempt collided.
var ErrExhausted = errors.New("too many collisions")

// Dir returns the process-wide temporary directory.
// It is resolved on first use and cached.
// Resolution is idempotent, so concurrent first calls are harmless.
var Dir = sync.OnceValue(func() string {
	return filepath.Clean(os.TempDir())
})

// An Allocator creates temporary files and directories.
// The zero value allocates under [Dir].
// An Allocator is safe to use from multiple goroutines.
type Allocator struct {
	// Root is the directory to create names in.
	// If empty, [Dir] is used.
	Root string
	// MaxAttempts bounds the number of names tried per call.
	// If zero, [DefaultMaxAttempts] is used.
	MaxAttempts int
	// Seed returns the initial random component.
	// If nil, a value derived from the process ID and current time is used.
	Seed func() uint64
}

// RootDir returns the directory that a resolves names under.
func (a *Allocator) RootDir() string {
	if a == nil || a.Root == "" {
		return Dir()
	}
	return a.Root
}

func (a *Allocator) maxAttempts() int {
	if a == nil || a.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return a.MaxAttempts
}

func (a *Allocator) seed() uint64 {
	if a != nil && a.Seed != nil {
		return a.Seed()
	}
	return defaultSeed()
}

func defaultSeed() uint64 {
	now := time.Now()
	bits := uint64(os.Getpid()) << 16
	bits ^= uint64(now.Nanosecond()/1000) << 16
	bits ^= uint64(now.Unix())
	return bits
}

// CreateFile creates a new, empty file named
// "<root>/<prefix>_<8 hex digits><suffix>"
// with mode 0600 and returns its path.
// The file did not exist before the call.
// The caller is responsible for removing the file.
func (a *Allocator) CreateFile(prefix, suffix string) (string, error) {
	root := a.RootDir()
	bits := a.seed()
	maxAttempts := a.maxAttempts()
	for tries := 1; ; tries++ {
		name := filepath.Join(root, fmt.Sprintf("%s_%08x%s", prefix, bits&0xffffffff, suffix))
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			if err := f.Close(); err != nil {
				os.Remove(name)
				return "", fmt.Errorf("create temp file: %v", err)
			}
			return name, nil
		}
		if !isCollision(err) {
			return "", fmt.Errorf("create temp file: %w", err)
		}
		if tries >= maxAttempts {
			return "", fmt.Errorf("create temp file in %s: %w after %d attempts", root, ErrExhausted, tries)
		}
		bits += perturbation
	}
}

// MkdirTemp creates a new directory named "<root>/dcc-<6 hex digits>"
// with mode 0700 and returns its path.
// The caller is responsible for removing the directory and its contents.
func (a *Allocator) MkdirTemp() (string, error) {
	root := a.RootDir()
	bits := a.seed()
	maxAttempts := a.maxAttempts()
	for tries := 1; ; tries++ {
		name := filepath.Join(root, fmt.Sprintf("%s%06x", dirTemplatePrefix, bits&0xffffff))
		err := os.Mkdir(name, 0o700)
		if err == nil {
			return name, nil
		}
		if !isCollision(err) {
			return "", fmt.Errorf("create temp directory: %w", err)
		}
		if tries >= maxAttempts {
			return "", fmt.Errorf("create temp directory in %s: %w after %d attempts", root, ErrExhausted, tries)
		}
		bits += perturbation
	}
}

// isCollision reports whether err could be resolved by picking another name.
// Other errors (e.g. ENOENT because the root was removed) will not change
// by retrying.
func isCollision(err error) bool {
	return errors.Is(err, unix.EEXIST) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EISDIR) ||
		errors.Is(err, unix.ELOOP)
}
