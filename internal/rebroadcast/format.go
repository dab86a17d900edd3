package rebroadcast

import (
	"fmt"

	"github.com/yegors/skyrelay/internal/feed"
	"github.com/yegors/skyrelay/internal/message"
)

// Format is the wire format of a rebroadcast server
type Format string

const (
	// Passthrough forwards the bytes read from the receiver untouched
	Passthrough Format = "passthrough"
	// Port30003 sends one BaseStation line per message
	Port30003 Format = "port30003"
	// CompressedVRS sends one compact binary record per message
	CompressedVRS Format = "compressed"
	// Avr sends one AVR text record per Mode-S frame
	Avr Format = "avr"
)

// ValidFormat reports whether f is a known format
func ValidFormat(f Format) bool {
	switch f {
	case Passthrough, Port30003, CompressedVRS, Avr:
		return true
	}
	return false
}

// usesRawBytes reports whether the format is fed from the raw stream
// rather than from decoded messages
func (f Format) usesRawBytes() bool {
	return f == Passthrough
}

// EncodeMessage renders one message in a message based format. It returns
// nil without error when the message has nothing to send in that format,
// such as a BaseStation sourced message on an AVR server.
func EncodeMessage(format Format, msg *message.Message) ([]byte, error) {
	switch format {
	case Port30003, CompressedVRS:
		if msg.IsFrameOnly() {
			return nil, nil
		}
	}
	switch format {
	case Port30003:
		return []byte(msg.BaseStationLine() + "\r\n"), nil
	case CompressedVRS:
		return message.Compress(msg)
	case Avr:
		if msg.ModeS == nil {
			return nil, nil
		}
		return message.EncodeAvr(*msg.ModeS), nil
	default:
		return nil, fmt.Errorf("format %q does not encode messages", format)
	}
}

// encodeEvent is EncodeMessage for a feed event
func encodeEvent(format Format, ev feed.MessageEvent) ([]byte, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return EncodeMessage(format, ev.Message)
}
