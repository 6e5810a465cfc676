// Copyright 2025 The zb Authors
// Copyright 2018 The Go Authors. All rights reserved.
// SPDX-License-Identifier: BSD 3-Clause
//
// Derived from https://cs.opensource.google/go/go/+/refs/tags/go1.24.1:src/os/removeall_at.go

//go:build linux || darwin

package osutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

func removeAll(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	parentDir, base := filepath.Split(filepath.Clean(path))
	if parentDir == "" {
		parentDir = "."
	}
	parent, err := os.Open(parentDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer parent.Close()
	return removeAllFrom(parent, filepath.Join(parentDir, base), base)
}

// removeAllFrom removes the entry base inside the directory parent.
// fullPath is only used for error messages.
func removeAllFrom(parent *os.File, fullPath, base string) error {
	parentFD := int(parent.Fd())
	err := retryEINTR(func() error {
		return unix.Unlinkat(parentFD, base, 0)
	})
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	// EISDIR: a directory whose contents must go first.
	// EPERM/EACCES: possibly a directory on a platform that reports unlink(dir) that way.
	if !errors.Is(err, unix.EISDIR) && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) {
		return &os.PathError{Op: "unlinkat", Path: fullPath, Err: err}
	}
	unlinkError := err

	var firstError error
	for {
		dir, err := openDirAt(parentFD, base)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if errors.Is(err, unix.ENOTDIR) || errors.Is(err, unix.ELOOP) {
			return &os.PathError{Op: "unlinkat", Path: fullPath, Err: unlinkError}
		}
		if err != nil {
			firstError = &os.PathError{Op: "openat", Path: fullPath, Err: err}
			break
		}

		const batchSize = 1024
		names, readErr := dir.Readdirnames(batchSize)
		if readErr != nil && readErr != io.EOF {
			dir.Close()
			if errors.Is(readErr, os.ErrNotExist) {
				return nil
			}
			return &os.PathError{Op: "readdirnames", Path: fullPath, Err: readErr}
		}
		failed := 0
		for _, name := range names {
			if err := removeAllFrom(dir, fullPath+string(os.PathSeparator)+name, name); err != nil {
				failed++
				if firstError == nil {
					firstError = err
				}
			}
		}
		// Removing entries may reorder the directory,
		// so each batch starts from a freshly opened handle.
		dir.Close()
		if len(names) < batchSize || failed == len(names) {
			break
		}
	}

	err = retryEINTR(func() error {
		return unix.Unlinkat(parentFD, base, unix.AT_REMOVEDIR)
	})
	runtime.KeepAlive(parent)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if firstError != nil {
		return firstError
	}
	return &os.PathError{Op: "unlinkat", Path: fullPath, Err: err}
}

// openDirAt opens the directory name relative to dirfd.
// It fails if name is not a directory, including a symbolic link to one.
func openDirAt(dirfd int, name string) (*os.File, error) {
	var fd int
	err := retryEINTR(func() error {
		var err error
		fd, err = unix.Openat(dirfd, name, os.O_RDONLY|unix.O_CLOEXEC|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}

// retryEINTR calls fn until it returns something other than EINTR.
// Signals can interrupt the *at system calls
// even though the Go runtime installs its handlers with SA_RESTART.
func retryEINTR(fn func() error) error {
	for {
		if err := fn(); err != unix.EINTR {
			return err
		}
	}
}
