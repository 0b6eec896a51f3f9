// Package lineio provides bounded, line-oriented reads over buffered streams.
//
// Every channel in the system speaks newline-terminated text: command lines
// arrive on stdin, travel to workers over a socket, and captured child output
// comes back through a pipe. All of them share the same read contract:
//   - return at most max bytes per call
//   - stop early after a newline (the newline is included)
//   - an oversized line is returned in consecutive chunks, never truncated
//
// This mirrors fgets: a reader with an N-byte buffer hands out chunks of at
// most N-1 bytes.
package lineio

import (
	"bufio"
	"errors"
)

// ReadChunk reads from br until a newline is consumed, max bytes have been
// read, or the stream ends. The returned slice includes the newline when one
// was read. A partial chunk terminated by stream end is returned with a nil
// error; the subsequent call reports the stream error.
func ReadChunk(br *bufio.Reader, max int) ([]byte, error) {
	if max < 1 {
		return nil, errors.New("lineio: chunk size must be at least 1")
	}

	var out []byte
	for len(out) < max {
		b, err := br.ReadByte()
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, b)
		if b == '\n' {
			break
		}
	}
	return out, nil
}
