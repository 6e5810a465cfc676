// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package artifact transfers files over a message channel
// as a sequence of chunk messages followed by an end marker.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"

	"zb.256lights.llc/dcc/internal/dccproto"
)

// ChunkSize is the default maximum payload of a single chunk message.
const ChunkSize = 100000

// A Sender sends messages to a peer.
// [*dccproto.Conn] implements Sender.
type Sender interface {
	Send(msg dccproto.Message) error
}

// A Receiver receives messages from a peer.
// [*dccproto.Conn] implements Receiver.
type Receiver interface {
	Receive() (dccproto.Message, error)
}

// Stats describes a completed transfer.
type Stats struct {
	// Chunks is the number of chunk messages.
	Chunks int
	// Size is the number of file bytes transferred.
	Size int64
	// WireSize is the number of chunk payload bytes on the wire.
	// It is smaller than Size if chunks were compressed.
	WireSize int64
}

// Options is the set of optional parameters to [Send].
type Options struct {
	// ChunkSize is the maximum number of file bytes per chunk.
	// If zero, [ChunkSize] is used.
	ChunkSize int
}

// FileError records a failure to open or read the file being sent,
// as opposed to a failure to send it.
type FileError struct {
	Err error
}

func (e *FileError) Error() string {
	return e.Err.Error()
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Send streams the file at path to s.
// If the file cannot be opened, Send notifies the peer
// with a [*dccproto.StatusText] before returning an error.
// Any read or send error aborts the transfer.
// Open and read errors are reported as a [*FileError].
func Send(s Sender, path string, opts *Options) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		if sendErr := s.Send(&dccproto.StatusText{Text: "open of object file failed"}); sendErr != nil {
			return Stats{}, fmt.Errorf("send %s: %w (while reporting %v)", path, sendErr, err)
		}
		return Stats{}, fmt.Errorf("send %s: %w", path, &FileError{Err: err})
	}
	defer f.Close()
	stats, err := SendReader(s, f, opts)
	if err != nil {
		return stats, fmt.Errorf("send %s: %w", path, err)
	}
	return stats, nil
}

// SendReader streams r to s until r returns [io.EOF].
func SendReader(s Sender, r io.Reader, opts *Options) (Stats, error) {
	size := ChunkSize
	if opts != nil && opts.ChunkSize > 0 {
		size = opts.ChunkSize
	}
	buf := make([]byte, size)
	var stats Stats
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := &dccproto.FileChunk{Data: buf[:n]}
			if err := s.Send(chunk); err != nil {
				return stats, err
			}
			stats.Chunks++
			stats.Size += int64(n)
			stats.WireSize += int64(chunk.WireLength)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return stats, &FileError{Err: err}
		}
	}
	if err := s.Send(new(dccproto.End)); err != nil {
		return stats, err
	}
	return stats, nil
}

// ErrUnexpectedMessage is returned by [Receive]
// when the peer sends something other than a chunk or end marker.
var ErrUnexpectedMessage = errors.New("unexpected message during file transfer")

// Receive copies chunk messages from r to w until an end marker.
// If the peer sends a [*dccproto.StatusText] instead,
// Receive returns an error containing its text.
func Receive(w io.Writer, r Receiver) (Stats, error) {
	var stats Stats
	for {
		msg, err := r.Receive()
		if err == io.EOF {
			return stats, io.ErrUnexpectedEOF
		}
		if err != nil {
			return stats, err
		}
		switch msg := msg.(type) {
		case *dccproto.FileChunk:
			if _, err := w.Write(msg.Data); err != nil {
				return stats, err
			}
			stats.Chunks++
			stats.Size += int64(len(msg.Data))
			stats.WireSize += int64(msg.WireLength)
		case *dccproto.End:
			return stats, nil
		case *dccproto.StatusText:
			return stats, fmt.Errorf("peer: %s", msg.Text)
		default:
			return stats, fmt.Errorf("%w (%s)", ErrUnexpectedMessage, msg.ContentType())
		}
	}
}
