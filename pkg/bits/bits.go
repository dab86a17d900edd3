// Package bits reads big-endian bit fields out of byte buffers. Mode-S
// numbers bits from 1 at the most significant bit of the first byte; the
// offsets used here are zero-based from that same bit.
package bits

import (
	"errors"
	"fmt"
)

var (
	// ErrBitCount is returned when a read asks for fewer than 1 or more than 64 bits
	ErrBitCount = errors.New("bit count must be between 1 and 64")
	// ErrOutOfRange is returned when a read would run past the end of the buffer
	ErrOutOfRange = errors.New("read past end of buffer")
)

// Uint returns count bits starting at bit offset, most significant bit first.
func Uint(buf []byte, offset, count int) (uint64, error) {
	if count < 1 || count > 64 {
		return 0, fmt.Errorf("reading %d bits: %w", count, ErrBitCount)
	}
	if offset < 0 || offset+count > len(buf)*8 {
		return 0, fmt.Errorf("reading %d bits at %d from %d bytes: %w", count, offset, len(buf), ErrOutOfRange)
	}

	var value uint64
	for count > 0 {
		bit := offset & 7
		avail := 8 - bit
		take := min(avail, count)
		chunk := (uint64(buf[offset>>3]) >> (avail - take)) & (1<<take - 1)
		value = value<<take | chunk
		count -= take
		offset += take
	}
	return value, nil
}

// Stream is a cursor over a byte buffer. The zero value is an empty stream.
type Stream struct {
	buf []byte
	pos int
}

// NewStream creates a stream positioned at the first bit of buf
func NewStream(buf []byte) *Stream {
	return &Stream{buf: buf}
}

// Offset returns the current bit offset
func (s *Stream) Offset() int { return s.pos }

// Remaining returns the number of unread bits
func (s *Stream) Remaining() int { return len(s.buf)*8 - s.pos }

// Seek moves the cursor to an absolute bit offset
func (s *Stream) Seek(offset int) error {
	if offset < 0 || offset > len(s.buf)*8 {
		return fmt.Errorf("seek to %d: %w", offset, ErrOutOfRange)
	}
	s.pos = offset
	return nil
}

// Skip advances the cursor by count bits
func (s *Stream) Skip(count int) error {
	return s.Seek(s.pos + count)
}

// Read returns the next count bits and advances the cursor. The cursor is
// left in place when the read fails.
func (s *Stream) Read(count int) (uint64, error) {
	v, err := Uint(s.buf, s.pos, count)
	if err != nil {
		return 0, err
	}
	s.pos += count
	return v, nil
}

// ReadBool reads a single bit
func (s *Stream) ReadBool() (bool, error) {
	v, err := s.Read(1)
	return v == 1, err
}

// ReadByte reads the next eight bits, which need not be byte aligned
func (s *Stream) ReadByte() (byte, error) {
	v, err := s.Read(8)
	return byte(v), err
}
