// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package dccproto

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"

	"github.com/dsnet/compress/bzip2"
	jsonv2 "github.com/go-json-experiment/json"
)

const bzip2Encoding = "bzip2"

// ConnOptions is the set of optional parameters to [NewConn].
type ConnOptions struct {
	// Pending holds bytes that were already read from the connection
	// by a previous reader.
	// They are consumed before any further bytes from the connection.
	Pending []byte
	// CompressChunks enables bzip2 compression of outgoing [FileChunk] payloads.
	// Chunks that do not shrink are sent uncompressed.
	// Incoming chunks are always decompressed as marked.
	CompressChunks bool
}

// Conn is a message channel over a byte stream.
// Send and Receive may be called concurrently with each other,
// but not with themselves.
type Conn struct {
	rwc      io.ReadWriteCloser
	r        *FrameReader
	w        *FrameWriter
	compress bool
}

// NewConn returns a new [Conn] that communicates over rwc.
// The Conn takes ownership of rwc.
func NewConn(rwc io.ReadWriteCloser, opts *ConnOptions) *Conn {
	c := &Conn{
		rwc: rwc,
		w:   NewFrameWriter(rwc),
	}
	var r io.Reader = rwc
	if opts != nil {
		if len(opts.Pending) > 0 {
			r = io.MultiReader(bytes.NewReader(opts.Pending), rwc)
		}
		c.compress = opts.CompressChunks
	}
	c.r = NewFrameReader(r)
	return c
}

// Send writes a message to the connection.
// For a [*FileChunk], Send sets msg.WireLength.
func (c *Conn) Send(msg Message) error {
	header := make(Header)
	header.Set(contentTypeKey, msg.ContentType())
	var body []byte
	switch msg := msg.(type) {
	case *CompileJob, *CompileResult:
		var err error
		body, err = jsonv2.Marshal(msg)
		if err != nil {
			return fmt.Errorf("send %s: %v", msg.ContentType(), err)
		}
	case *StatusText:
		body = []byte(msg.Text)
	case *FileChunk:
		body = msg.Data
		if c.compress && len(msg.Data) > 0 {
			compressed, err := compressChunk(msg.Data)
			if err != nil {
				return fmt.Errorf("send %s: %v", msg.ContentType(), err)
			}
			if len(compressed) < len(msg.Data) {
				header.Set(contentEncodingKey, bzip2Encoding)
				header.Set(uncompressedLengthKey, strconv.Itoa(len(msg.Data)))
				body = compressed
			}
		}
		msg.WireLength = len(body)
	case *End:
	default:
		return fmt.Errorf("send: unsupported message type %T", msg)
	}
	return c.w.WriteMessage(header, body)
}

// Receive reads the next message from the connection.
// Receive returns [io.EOF] if the peer closed the connection between messages.
func (c *Conn) Receive() (Message, error) {
	header, size, err := c.r.Next()
	if err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("receive message: %w", noEOF(err))
	}

	contentType := header.Get(contentTypeKey)
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("receive message: %v", err)
	}
	switch mediaType {
	case CompileJobType:
		msg := new(CompileJob)
		if err := jsonv2.Unmarshal(body, msg, jsonv2.RejectUnknownMembers(false)); err != nil {
			return nil, fmt.Errorf("receive compile job: %v", err)
		}
		return msg, nil
	case "text/plain":
		return &StatusText{Text: string(body)}, nil
	case CompileResultType:
		msg := new(CompileResult)
		if err := jsonv2.Unmarshal(body, msg, jsonv2.RejectUnknownMembers(false)); err != nil {
			return nil, fmt.Errorf("receive compile result: %v", err)
		}
		return msg, nil
	case FileChunkType:
		msg := &FileChunk{Data: body, WireLength: len(body)}
		switch enc := header.Get(contentEncodingKey); enc {
		case "", "identity":
		case bzip2Encoding:
			msg.Data, err = decompressChunk(body, header.Get(uncompressedLengthKey))
			if err != nil {
				return nil, fmt.Errorf("receive file chunk: %v", err)
			}
		default:
			return nil, fmt.Errorf("receive file chunk: unsupported %s %q", contentEncodingKey, enc)
		}
		return msg, nil
	case EndType:
		return new(End), nil
	default:
		return nil, fmt.Errorf("receive message: unknown %s %q", contentTypeKey, contentType)
	}
}

// Buffered returns the bytes read from the connection
// that have not been consumed by Receive.
func (c *Conn) Buffered() []byte {
	return c.r.Buffered()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rwc.Close()
}

func compressChunk(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw, err := bzip2.NewWriter(buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressChunk(body []byte, uncompressedLength string) ([]byte, error) {
	want := int64(-1)
	if uncompressedLength != "" {
		var err error
		want, err = strconv.ParseInt(uncompressedLength, 10, 64)
		if err != nil || want < 0 || want > MaxBodySize {
			return nil, fmt.Errorf("invalid %s %q", uncompressedLengthKey, uncompressedLength)
		}
	}
	zr, err := bzip2.NewReader(bytes.NewReader(body), nil)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxBodySize {
		return nil, fmt.Errorf("decompressed chunk exceeds %d bytes", MaxBodySize)
	}
	if want >= 0 && int64(len(data)) != want {
		return nil, fmt.Errorf("decompressed chunk is %d bytes (expected %d)", len(data), want)
	}
	return data, nil
}
