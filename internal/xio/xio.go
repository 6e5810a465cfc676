// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package xio provides I/O utilities.
package xio

import (
	"io"
	"sync"
)

type onceCloser struct {
	c    io.Closer
	once sync.Once
	err  error
}

// CloseOnce returns an [io.Closer] that calls c at most once.
// Subsequent calls return the first call's error.
// The returned Closer is safe to call from multiple goroutines.
func CloseOnce(c io.Closer) io.Closer {
	return &onceCloser{c: c}
}

func (oc *onceCloser) Close() error {
	oc.once.Do(func() {
		oc.err = oc.c.Close()
	})
	return oc.err
}
