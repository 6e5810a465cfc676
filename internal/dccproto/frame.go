// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package dccproto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
)

// Header is a message's header block.
type Header = textproto.MIMEHeader

// Header keys used by the protocol.
const (
	contentLengthKey      = "Content-Length"
	contentTypeKey        = "Content-Type"
	contentEncodingKey    = "Content-Encoding"
	uncompressedLengthKey = "Dcc-Uncompressed-Length"
)

// MaxBodySize is the largest message body a [FrameReader] accepts.
const MaxBodySize = 64 << 20

// A FrameReader reads framed messages from an underlying [io.Reader].
// Every message must carry a Content-Length.
// FrameReader introduces its own buffering,
// so it may consume more bytes than needed to read a message.
// [FrameReader.Buffered] returns those bytes.
type FrameReader struct {
	br        *bufio.Reader
	err       error
	remaining int64
}

// NewFrameReader returns a new [FrameReader] that reads from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReader(r)}
}

// Next reads the next message header.
// Any unread body bytes of the previous message are discarded.
// Next returns [io.EOF] if the underlying reader ends cleanly between messages.
func (r *FrameReader) Next() (header Header, bodySize int64, err error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	if r.remaining > 0 {
		if _, err := io.CopyN(io.Discard, r.br, r.remaining); err != nil {
			r.err = fmt.Errorf("read message: %w", noEOF(err))
			return nil, 0, r.err
		}
		r.remaining = 0
	}

	if _, err := r.br.Peek(1); err == io.EOF {
		r.err = io.EOF
		return nil, 0, io.EOF
	}
	header, err = textproto.NewReader(r.br).ReadMIMEHeader()
	if err != nil {
		r.err = fmt.Errorf("read message: %w", noEOF(err))
		return nil, 0, r.err
	}
	n, err := contentLength(header)
	if err != nil {
		r.err = fmt.Errorf("read message: %v", err)
		return nil, 0, r.err
	}
	if n > MaxBodySize {
		r.err = fmt.Errorf("read message: body of %d bytes exceeds limit", n)
		return nil, 0, r.err
	}
	r.remaining = n
	return header, n, nil
}

// Read reads bytes from the current message's body.
// It returns [io.EOF] once the body has been consumed.
func (r *FrameReader) Read(p []byte) (n int, err error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if r.err != nil {
		return 0, r.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err = r.br.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF && r.remaining > 0 {
		r.err = io.ErrUnexpectedEOF
		return n, r.err
	}
	if err != nil {
		r.err = err
		return n, err
	}
	if r.remaining == 0 {
		return n, io.EOF
	}
	return n, nil
}

// Buffered returns a copy of the bytes that have been read
// from the underlying reader but not yet consumed.
// It must only be called between messages.
func (r *FrameReader) Buffered() []byte {
	if r.remaining > 0 {
		return nil
	}
	b, _ := r.br.Peek(r.br.Buffered())
	return bytes.Clone(b)
}

// A FrameWriter writes framed messages to an underlying [io.Writer].
type FrameWriter struct {
	w   io.Writer
	buf bytes.Buffer
	err error
}

// NewFrameWriter returns a new [FrameWriter] that writes to w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage writes a message with the given header and body.
// The Content-Length header is set from len(body).
// Once a write to the underlying writer fails,
// all subsequent calls return an error.
func (fw *FrameWriter) WriteMessage(header Header, body []byte) error {
	if fw.err != nil {
		return fw.err
	}
	h := make(Header, len(header)+1)
	for k, v := range header {
		h[k] = v
	}
	h.Set(contentLengthKey, strconv.Itoa(len(body)))

	fw.buf.Reset()
	if err := writeHeader(&fw.buf, h); err != nil {
		return fmt.Errorf("write message: %v", err)
	}
	fw.buf.Write(body)
	if _, err := fw.w.Write(fw.buf.Bytes()); err != nil {
		fw.err = fmt.Errorf("write message: aborted due to previous error: %w", err)
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, h Header) error {
	keys := make([]string, 0, len(h))
	for k, v := range h {
		for _, vv := range v {
			if strings.ContainsAny(vv, "\r\n") {
				return fmt.Errorf("write header: %s value contains newline", k)
			}
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return nil
}

func contentLength(header Header) (int64, error) {
	s := header.Get(contentLengthKey)
	if s == "" {
		return 0, errNoContentLength
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", contentLengthKey, s)
	}
	return n, nil
}

var errNoContentLength = errors.New(contentLengthKey + " not provided")

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
