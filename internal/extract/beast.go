package extract

import (
	"fmt"

	"github.com/yegors/skyrelay/internal/message"
)

const (
	beastEscape = 0x1A

	beastModeAC     = '1'
	beastModeSShort = '2'
	beastModeSLong  = '3'
	beastStatus     = '4'

	beastHeaderLen = 7 // 6 byte timestamp + 1 byte signal
)

type beastState int

const (
	beastIdle beastState = iota
	beastType
	beastBody
)

// BeastExtractor decodes the binary Beast format. Every frame starts with
// 0x1A and a type byte; 0x1A inside a frame is sent twice.
type BeastExtractor struct {
	state     beastState
	frameType byte
	want      int
	body      []byte
	escaped   bool
}

// NewBeast creates a Beast extractor
func NewBeast() *BeastExtractor {
	return &BeastExtractor{body: make([]byte, 0, beastHeaderLen+message.LongFrameBytes)}
}

func (e *BeastExtractor) DataSource() DataSource { return Beast }

func (e *BeastExtractor) Reset() {
	e.state = beastIdle
	e.body = e.body[:0]
	e.escaped = false
}

func (e *BeastExtractor) Extract(chunk []byte, emit func(Frame)) {
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		switch e.state {
		case beastIdle:
			if b == beastEscape {
				e.state = beastType
			}

		case beastType:
			if !e.startFrame(b) {
				if b != beastEscape {
					emit(Frame{Err: fmt.Errorf("unknown beast frame type 0x%02X: %w", b, ErrBadFrame)})
				}
				e.state = beastIdle
			}

		case beastBody:
			if e.escaped {
				e.escaped = false
				if b != beastEscape {
					// A lone escape inside a frame is the start of the next one.
					emit(Frame{Err: fmt.Errorf("beast frame truncated after %d bytes: %w", len(e.body), ErrBadFrame)})
					e.state = beastType
					i--
					continue
				}
			} else if b == beastEscape {
				e.escaped = true
				continue
			}

			e.body = append(e.body, b)
			if len(e.body) == e.want {
				e.finish(emit)
				e.state = beastIdle
			}
		}
	}
}

func (e *BeastExtractor) startFrame(t byte) bool {
	var payload int
	switch t {
	case beastModeAC:
		payload = 2
	case beastModeSShort:
		payload = message.ShortFrameBytes
	case beastModeSLong:
		payload = message.LongFrameBytes
	case beastStatus:
		payload = message.LongFrameBytes
	default:
		return false
	}
	e.frameType = t
	e.want = beastHeaderLen + payload
	e.body = e.body[:0]
	e.escaped = false
	e.state = beastBody
	return true
}

func (e *BeastExtractor) finish(emit func(Frame)) {
	if e.frameType != beastModeSShort && e.frameType != beastModeSLong {
		// Mode A/C and receiver status frames carry no aircraft data we use.
		return
	}

	var ts uint64
	for _, b := range e.body[:6] {
		ts = ts<<8 | uint64(b)
	}
	payload := make([]byte, len(e.body)-beastHeaderLen)
	copy(payload, e.body[beastHeaderLen:])

	emit(Frame{
		Kind: FrameModeS,
		ModeS: message.ModeSFrame{
			Bytes:       payload,
			HasParity:   true,
			SignalLevel: int(e.body[6]),
			Timestamp:   ts,
		},
	})
}

// EncodeBeast renders a Mode-S frame in Beast framing, escaping 0x1A bytes
func EncodeBeast(frame message.ModeSFrame) []byte {
	t := byte(beastModeSShort)
	if len(frame.Bytes) == message.LongFrameBytes {
		t = beastModeSLong
	}
	out := []byte{beastEscape, t}
	raw := make([]byte, 0, beastHeaderLen+len(frame.Bytes))
	for shift := 40; shift >= 0; shift -= 8 {
		raw = append(raw, byte(frame.Timestamp>>uint(shift)))
	}
	raw = append(raw, byte(frame.SignalLevel))
	raw = append(raw, frame.Bytes...)
	for _, b := range raw {
		out = append(out, b)
		if b == beastEscape {
			out = append(out, beastEscape)
		}
	}
	return out
}
