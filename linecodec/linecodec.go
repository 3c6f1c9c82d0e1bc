// Package linecodec implements the streaming line-delimited JSON framing
// used for all engine child-process stdio and the remote transport socket:
// reads accumulate bytes across calls, split on newline, and decode each
// complete line as JSON; writes serialize a value plus a trailing newline
// atomically under a write lock.
package linecodec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/lattice-run/enginehost/internal/utf8stream"
)

// ParseError describes a line that failed to decode as JSON. Per §4.3,
// this is non-fatal: the reader emits a passthrough event and continues.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("linecodec: parse line: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Reader decodes a byte stream into JSON values, one per line, tolerating
// partial reads and mid-codepoint UTF-8 splits.
type Reader struct {
	br      *bufio.Reader
	decoder utf8stream.Decoder
	pending strings.Builder
}

// NewReader wraps r. The underlying bufio.Reader uses a small scratch
// buffer; line length is unbounded because lines are assembled in pending
// rather than relying on bufio.Scanner's fixed token buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// ReadValue returns the next decoded JSON value as (value, raw line, nil),
// or (nil, rawLine, *ParseError) if the line was not valid JSON — callers
// translate that into a raw passthrough event and continue reading. It
// returns io.EOF when the underlying reader is exhausted with no further
// complete or partial line pending.
func (r *Reader) ReadValue() (any, string, error) {
	for {
		if line, ok := r.popLine(); ok {
			return decode(line)
		}

		chunk := make([]byte, 4096)
		n, err := r.br.Read(chunk)
		if n > 0 {
			r.pending.WriteString(r.decoder.Feed(chunk[:n]))
		}
		if err != nil {
			if line, ok := r.popLine(); ok {
				return decode(line)
			}
			if tail := r.pending.String(); tail != "" {
				r.pending.Reset()
				if err == io.EOF {
					return decode(tail)
				}
			}
			return nil, "", err
		}
	}
}

// popLine extracts one newline-terminated line from pending, if present.
func (r *Reader) popLine() (string, bool) {
	buffered := r.pending.String()
	idx := strings.IndexByte(buffered, '\n')
	if idx < 0 {
		return "", false
	}
	line := buffered[:idx]
	r.pending.Reset()
	r.pending.WriteString(buffered[idx+1:])
	return strings.TrimSuffix(line, "\r"), true
}

func decode(line string) (any, string, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, line, nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, line, &ParseError{Line: line, Err: err}
	}
	return v, line, nil
}

// Writer serializes JSON values to an underlying writer, one per line,
// serialized under a mutex so concurrent writers never interleave bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteValue marshals v, appends a single newline, and writes the result
// atomically with respect to other WriteValue calls on the same Writer.
func (w *Writer) WriteValue(v any) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("linecodec: encode: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(buf.B)
	return err
}
