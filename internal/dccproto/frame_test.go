// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package dccproto

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameReader(t *testing.T) {
	type testMessage struct {
		header   Header
		bodySize int64
		body     string
	}
	tests := []struct {
		name    string
		source  string
		want    []testMessage
		wantErr error
	}{
		{
			name:    "Empty",
			wantErr: io.EOF,
		},
		{
			name: "SingleMessage",
			source: "Content-Length: 14\r\n" +
				"Content-Type: text/plain\r\n" +
				"\r\n" +
				"Hello, World!\n",
			want: []testMessage{
				{
					header: Header{
						"Content-Length": {"14"},
						"Content-Type":   {"text/plain"},
					},
					bodySize: 14,
					body:     "Hello, World!\n",
				},
			},
			wantErr: io.EOF,
		},
		{
			name: "MultipleMessages",
			source: "Content-Length: 14\r\n" +
				"\r\n" +
				"Hello, World!\n" +
				"Content-Length: 0\r\n" +
				"\r\n" +
				"Content-Length: 3\r\n" +
				"\r\n" +
				"foo",
			want: []testMessage{
				{
					header:   Header{"Content-Length": {"14"}},
					bodySize: 14,
					body:     "Hello, World!\n",
				},
				{
					header:   Header{"Content-Length": {"0"}},
					bodySize: 0,
					body:     "",
				},
				{
					header:   Header{"Content-Length": {"3"}},
					bodySize: 3,
					body:     "foo",
				},
			},
			wantErr: io.EOF,
		},
		{
			name: "TruncatedBody",
			source: "Content-Length: 10\r\n" +
				"\r\n" +
				"abc",
			want: []testMessage{
				{
					header:   Header{"Content-Length": {"10"}},
					bodySize: 10,
					body:     "abc",
				},
			},
			wantErr: io.ErrUnexpectedEOF,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := NewFrameReader(strings.NewReader(test.source))
			var got []testMessage
			for {
				var next testMessage
				var err error
				next.header, next.bodySize, err = r.Next()
				if err != nil {
					if !errors.Is(err, test.wantErr) {
						t.Errorf("Next() error = %v; want %v", err, test.wantErr)
					}
					break
				}
				body, err := io.ReadAll(r)
				next.body = string(body)
				got = append(got, next)
				if err != nil {
					if !errors.Is(err, test.wantErr) {
						t.Errorf("read body: %v; want %v", err, test.wantErr)
					}
					break
				}
			}
			if diff := cmp.Diff(test.want, got, cmp.AllowUnexported(testMessage{})); diff != "" {
				t.Errorf("messages (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFrameReaderSkipsUnreadBody(t *testing.T) {
	r := NewFrameReader(strings.NewReader(
		"Content-Length: 5\r\n\r\nhello" +
			"Content-Length: 5\r\n\r\nworld",
	))
	if _, _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "world" {
		t.Errorf("second body = %q; want %q", got, "world")
	}
}

func TestFrameReaderErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"MissingContentLength", "Content-Type: text/plain\r\n\r\nhi"},
		{"NegativeContentLength", "Content-Length: -1\r\n\r\n"},
		{"GarbageContentLength", "Content-Length: lots\r\n\r\n"},
		{"TooLarge", "Content-Length: 999999999999\r\n\r\n"},
		{"TruncatedHeader", "Content-Length: 3\r\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := NewFrameReader(strings.NewReader(test.source))
			_, _, err := r.Next()
			if err == nil || err == io.EOF {
				t.Fatalf("Next() error = %v; want non-EOF error", err)
			}
			if _, _, err2 := r.Next(); err2 == nil {
				t.Error("second Next() did not return an error")
			}
		})
	}
}

func TestFrameReaderBuffered(t *testing.T) {
	const rest = "Content-Length: 3\r\n\r\nabc"
	r := NewFrameReader(strings.NewReader("Content-Length: 2\r\n\r\nhi" + rest))
	if _, _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if got := r.Buffered(); got != nil {
		t.Errorf("Buffered() before body read = %q; want nil", got)
	}
	if _, err := io.ReadAll(r); err != nil {
		t.Fatal(err)
	}
	if got := string(r.Buffered()); got != rest {
		t.Errorf("Buffered() = %q; want %q", got, rest)
	}
}

func TestFrameWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewFrameWriter(buf)
	err := w.WriteMessage(Header{
		"Content-Type":   {"text/plain"},
		"Content-Length": {"999"},
	}, []byte("Hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMessage(Header{"Content-Type": {EndType}}, nil); err != nil {
		t.Fatal(err)
	}
	const want = "Content-Length: 5\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hello" +
		"Content-Length: 0\r\n" +
		"Content-Type: application/x-dcc-end\r\n" +
		"\r\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestFrameWriterRejectsNewlines(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewFrameWriter(buf)
	if err := w.WriteMessage(Header{"X-Bad": {"a\r\nb"}}, nil); err == nil {
		t.Error("WriteMessage did not return an error")
	}
	if buf.Len() > 0 {
		t.Errorf("wrote %q; want nothing", buf)
	}
}

func TestFrameWriterStickyError(t *testing.T) {
	fw := &failWriter{}
	w := NewFrameWriter(fw)
	if err := w.WriteMessage(Header{}, []byte("x")); err == nil {
		t.Fatal("first WriteMessage did not return an error")
	}
	fw.ok = true
	if err := w.WriteMessage(Header{}, []byte("x")); err == nil {
		t.Error("WriteMessage after failure did not return an error")
	}
	if fw.n > 0 {
		t.Errorf("wrote %d bytes after failure", fw.n)
	}
}

type failWriter struct {
	ok bool
	n  int
}

func (fw *failWriter) Write(p []byte) (int, error) {
	if !fw.ok {
		return 0, errors.New("bork")
	}
	fw.n += len(p)
	return len(p), nil
}
