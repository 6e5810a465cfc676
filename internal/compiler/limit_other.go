// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package compiler

import "errors"

func limitMemory(pid int, limit int64) error {
	return errors.New("memory limits not supported on this platform")
}
