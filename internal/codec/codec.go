// Package codec implements the two wire framings shared by the broker's
// protocol stream and its binary transport variant: a line-delimited JSON
// form (one object per newline) and a length-prefixed JSON form (a 4-byte
// big-endian length followed by that many bytes of payload). Both forms
// share a single maximum frame size and reject oversized frames with a
// FramingError rather than allocating proportional to attacker-controlled
// input.
//
// The line-delimited decoder is grounded on the bufio.Scanner-with-bounded-
// buffer pattern used to read Claude Code's stream-json output: a fixed
// maximum line length prevents a single oversized line from exhausting
// memory.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the default maximum frame size (1 MiB) applied to
// both wire formats.
const DefaultMaxFrameSize = 1 << 20

// FramingError is returned when a frame exceeds the configured maximum size
// or the underlying stream is malformed. The connection must be closed after
// a FramingError; decoders do not attempt to resynchronize.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("codec: framing error: %s", e.Reason)
}

// LineDecoder reads newline-delimited JSON frames from r. It buffers until a
// newline is observed and tolerates partial reads by relying on
// bufio.Scanner's internal buffering; frames larger than MaxFrameSize cause
// Next to return a *FramingError.
type LineDecoder struct {
	scanner *bufio.Scanner
}

// NewLineDecoder creates a LineDecoder over r with the given maximum frame
// size. A maxFrameSize <= 0 uses DefaultMaxFrameSize.
func NewLineDecoder(r io.Reader, maxFrameSize int) *LineDecoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	scanner := bufio.NewScanner(r)
	// The scanner's token limit is the larger of the buffer's capacity and
	// its max, so the initial capacity must not exceed the limit. The +1
	// leaves room for the trailing newline of a frame of exactly maxFrameSize.
	limit := maxFrameSize + 1
	initial := 64 * 1024
	if initial > limit {
		initial = limit
	}
	scanner.Buffer(make([]byte, 0, initial), limit)
	return &LineDecoder{scanner: scanner}
}

// Next reads and returns the next frame's raw bytes (without the trailing
// newline). It returns io.EOF when the stream ends cleanly, or a
// *FramingError when a line exceeds the configured maximum. Empty lines are
// returned as empty (non-nil) slices; callers that only expect JSON objects
// should skip them.
func (d *LineDecoder) Next() ([]byte, error) {
	if d.scanner.Scan() {
		line := d.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := d.scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, &FramingError{Reason: "frame exceeds maximum size"}
		}
		return nil, fmt.Errorf("codec: reading line frame: %w", err)
	}
	return nil, io.EOF
}

// WriteLine writes payload followed by a single newline to w. payload must
// not itself contain a newline (JSON encoders never emit one).
func WriteLine(w io.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("codec: writing line frame: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("codec: writing line terminator: %w", err)
	}
	return nil
}

// LengthPrefixedDecoder reads frames of the form: 4-byte big-endian unsigned
// length, followed by that many bytes of JSON payload. Used by the binary
// transport variant described in spec §4.1.
type LengthPrefixedDecoder struct {
	r            io.Reader
	maxFrameSize int
}

// NewLengthPrefixedDecoder creates a LengthPrefixedDecoder over r. A
// maxFrameSize <= 0 uses DefaultMaxFrameSize.
func NewLengthPrefixedDecoder(r io.Reader, maxFrameSize int) *LengthPrefixedDecoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &LengthPrefixedDecoder{r: r, maxFrameSize: maxFrameSize}
}

// Next reads and returns the next frame's payload bytes. Returns io.EOF when
// the stream ends cleanly at a frame boundary, or a *FramingError when the
// declared length exceeds the configured maximum.
func (d *LengthPrefixedDecoder) Next() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: reading frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > d.maxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame size %d exceeds maximum %d", n, d.maxFrameSize)}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("codec: reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteLengthPrefixed writes a 4-byte big-endian length prefix followed by
// payload to w. Returns a *FramingError if payload exceeds maxFrameSize.
func WriteLengthPrefixed(w io.Writer, payload []byte, maxFrameSize int) error {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(payload) > maxFrameSize {
		return &FramingError{Reason: fmt.Sprintf("frame size %d exceeds maximum %d", len(payload), maxFrameSize)}
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("codec: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("codec: writing frame payload: %w", err)
	}
	return nil
}
