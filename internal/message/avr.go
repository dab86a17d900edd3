package message

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const hexUpper = "0123456789ABCDEF"

// EncodeAvr renders a frame in the AVR text format: '*' for frames that
// carry parity, ':' otherwise, upper-case hex payload, then ";\r\n".
func EncodeAvr(frame ModeSFrame) []byte {
	out := make([]byte, 0, 1+2*len(frame.Bytes)+3)
	if frame.HasParity {
		out = append(out, '*')
	} else {
		out = append(out, ':')
	}
	for _, b := range frame.Bytes {
		out = append(out, hexUpper[b>>4], hexUpper[b&0x0F])
	}
	return append(out, ';', '\r', '\n')
}

// ParseAvr parses a single AVR record such as "*8D4840D6202CC371C32CE0576098;".
// The '@' form, which prefixes a 48-bit timestamp, is accepted as well.
func ParseAvr(record string) (ModeSFrame, error) {
	record = strings.TrimSpace(record)
	if len(record) < 2 {
		return ModeSFrame{}, fmt.Errorf("short avr record %q: %w", record, ErrBadMessage)
	}

	var frame ModeSFrame
	switch record[0] {
	case '*':
		frame.HasParity = true
	case ':':
	case '@':
		frame.HasParity = true
	default:
		return ModeSFrame{}, fmt.Errorf("avr record starts with %q: %w", record[0], ErrBadMessage)
	}
	body := strings.TrimSuffix(record[1:], ";")

	if record[0] == '@' {
		if len(body) < 12 {
			return ModeSFrame{}, fmt.Errorf("avr timestamp missing: %w", ErrBadMessage)
		}
		ts, err := hex.DecodeString(body[:12])
		if err != nil {
			return ModeSFrame{}, fmt.Errorf("avr timestamp: %v: %w", err, ErrBadMessage)
		}
		for _, b := range ts {
			frame.Timestamp = frame.Timestamp<<8 | uint64(b)
		}
		body = body[12:]
	}

	payload, err := hex.DecodeString(body)
	if err != nil {
		return ModeSFrame{}, fmt.Errorf("avr payload: %v: %w", err, ErrBadMessage)
	}
	if len(payload) != ShortFrameBytes && len(payload) != LongFrameBytes {
		return ModeSFrame{}, fmt.Errorf("avr payload of %d bytes: %w", len(payload), ErrBadMessage)
	}
	frame.Bytes = payload
	return frame, nil
}
