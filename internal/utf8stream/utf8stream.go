// Package utf8stream decodes a byte stream into UTF-8 text incrementally,
// across arbitrarily-chunked reads, without ever emitting a partial
// multi-byte codepoint.
package utf8stream

import "unicode/utf8"

// Decoder accumulates bytes that did not yet form a complete rune across
// calls to Feed. Zero value is ready to use.
type Decoder struct {
	pending []byte
}

// Feed decodes chunk, appended to any bytes held over from the previous
// call. It returns the longest valid UTF-8 prefix as a string; invalid
// byte sequences are dropped (advancing past the reported invalid length,
// per utf8.DecodeRune), and a trailing incomplete sequence is retained for
// the next Feed call.
func (d *Decoder) Feed(chunk []byte) string {
	buf := append(d.pending, chunk...)

	var out []byte
	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(buf[i:]) {
				// Incomplete trailing sequence: wait for more bytes.
				break
			}
			// Genuinely invalid byte: drop it and continue.
			i++
			continue
		}
		out = append(out, buf[i:i+size]...)
		i += size
	}

	d.pending = append([]byte(nil), buf[i:]...)
	return string(out)
}

// Pending returns the bytes currently held back awaiting completion.
func (d *Decoder) Pending() []byte {
	return d.pending
}
