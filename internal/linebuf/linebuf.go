// Package linebuf slices a byte stream into newline-terminated text lines.
//
// A Channel is bound to one output stream of a sandboxed instance. Bytes are
// accumulated until a '\n' arrives; every complete line is then decoded and
// handed to the listener. A trailing partial line stays pending for as long
// as the Channel lives and is never flushed.
package linebuf

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Terminator is the byte that ends a line.
const Terminator = '\n'

// Listener receives one decoded line, terminator included.
type Listener func(line string)

// Channel accumulates raw output and emits complete lines.
// It is not safe for concurrent writers.
type Channel struct {
	pending  []byte
	listener Listener
	decoder  *encoding.Decoder
}

// New creates a Channel that emits lines to listener.
// A nil listener discards lines.
func New(listener Listener) *Channel {
	if listener == nil {
		listener = func(string) {}
	}
	return &Channel{
		listener: listener,
		decoder:  unicode.UTF8.NewDecoder(),
	}
}

// Write appends p and emits every line it completes. It always accepts the
// whole input.
func (c *Channel) Write(p []byte) (int, error) {
	c.pending = append(c.pending, p...)

	for {
		i := bytes.IndexByte(c.pending, Terminator)
		if i < 0 {
			break
		}
		line := c.pending[:i+1]
		c.listener(c.decode(line))
		c.pending = c.pending[i+1:]
	}

	// Compact so a long-lived channel does not pin consumed bytes.
	if len(c.pending) == 0 {
		c.pending = nil
	} else if cap(c.pending) > 2*len(c.pending)+64 {
		c.pending = append([]byte(nil), c.pending...)
	}
	return len(p), nil
}

// Pending returns a copy of the bytes not yet terminated by a newline.
func (c *Channel) Pending() []byte {
	return append([]byte(nil), c.pending...)
}

func (c *Channel) decode(b []byte) string {
	out, err := c.decoder.Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}

// TrimTerminator strips a single trailing '\n' from line. Any other byte the
// guest wrote, a carriage return included, is kept.
func TrimTerminator(line string) string {
	return strings.TrimSuffix(line, string(Terminator))
}
