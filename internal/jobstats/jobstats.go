// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package jobstats defines the statistics a compile worker
// reports to its parent over the notification pipe.
package jobstats

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Index identifies a counter in [Stats].
type Index int

// Counters.
const (
	InCompressed Index = iota
	InUncompressed
	OutUncompressed
	ExitCode
	RealMsec
	UserMsec
	SysMsec
	SysPageFaults

	numCounters
)

// Size is the number of bytes [Stats.WriteTo] writes.
const Size = int(numCounters) * 4

var indexNames = [numCounters]string{
	InCompressed:    "in_compressed",
	InUncompressed:  "in_uncompressed",
	OutUncompressed: "out_uncompressed",
	ExitCode:        "exit_code",
	RealMsec:        "real_msec",
	UserMsec:        "user_msec",
	SysMsec:         "sys_msec",
	SysPageFaults:   "sys_pagefaults",
}

// String returns the counter's name in snake case.
func (i Index) String() string {
	if i < 0 || i >= numCounters {
		return fmt.Sprintf("jobstats.Index(%d)", int(i))
	}
	return indexNames[i]
}

// Stats is a fixed-size vector of job counters.
// The zero value is a set of zero counters.
type Stats [numCounters]uint32

// Add adds n to the counter i, saturating at the maximum value.
func (s *Stats) Add(i Index, n uint64) {
	sum := uint64(s[i]) + n
	s[i] = uint32(min(sum, 1<<32-1))
}

// Set sets counter i to n, saturating at the maximum value.
func (s *Stats) Set(i Index, n uint64) {
	s[i] = uint32(min(n, 1<<32-1))
}

// Get returns counter i.
func (s *Stats) Get(i Index) uint32 {
	return s[i]
}

// AppendBinary appends the fixed-layout encoding of s to dst.
// Counters are written in index order in host byte order,
// since the pipe never leaves the machine.
func (s *Stats) AppendBinary(dst []byte) ([]byte, error) {
	for _, x := range s {
		dst = binary.NativeEndian.AppendUint32(dst, x)
	}
	return dst, nil
}

// WriteTo writes s to w in a single write.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	buf, _ := s.AppendBinary(make([]byte, 0, Size))
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("write job statistics: %w", err)
	}
	return int64(n), nil
}

// Read reads statistics written by [Stats.WriteTo] from r.
// If r ends without any bytes, Read returns [io.EOF]:
// the worker exited before reporting.
// A partial record is reported as [io.ErrUnexpectedEOF].
func Read(r io.Reader) (*Stats, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read job statistics: %w", err)
	}
	s := new(Stats)
	for i := range s {
		s[i] = binary.NativeEndian.Uint32(buf[i*4:])
	}
	return s, nil
}

// Map returns the counters keyed by name.
func (s *Stats) Map() map[string]uint32 {
	m := make(map[string]uint32, len(s))
	for i, x := range s {
		m[Index(i).String()] = x
	}
	return m
}
