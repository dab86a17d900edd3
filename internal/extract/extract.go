// Package extract splits the byte stream of a feed into frames. Extractors
// keep partial frames between chunks, so a frame split across two reads is
// still recovered.
package extract

import (
	"errors"
	"fmt"

	"github.com/yegors/skyrelay/internal/message"
)

// DataSource names the framing used by a receiver
type DataSource string

const (
	BaseStation DataSource = "sbs"
	Avr         DataSource = "avr"
	Beast       DataSource = "beast"
)

// ErrBadFrame marks bytes that could not be framed
var ErrBadFrame = errors.New("bad frame")

// FrameKind says which field of a Frame is populated
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameModeS
)

// Frame is one extracted unit. Err is set, and nothing else, for bytes that
// had to be discarded.
type Frame struct {
	Kind  FrameKind
	Text  string
	ModeS message.ModeSFrame
	Err   error
}

// Extractor turns chunks of transport bytes into frames
type Extractor interface {
	// Extract consumes chunk and calls emit for every complete frame
	Extract(chunk []byte, emit func(Frame))
	// Reset discards any partial frame, used after a reconnect
	Reset()
	DataSource() DataSource
}

// New creates the extractor for a data source
func New(source DataSource) (Extractor, error) {
	switch source {
	case BaseStation:
		return NewBaseStation(), nil
	case Avr:
		return NewAvr(), nil
	case Beast:
		return NewBeast(), nil
	default:
		return nil, fmt.Errorf("unknown data source %q", source)
	}
}

// ValidDataSource reports whether source names a supported extractor
func ValidDataSource(source DataSource) bool {
	switch source {
	case BaseStation, Avr, Beast:
		return true
	}
	return false
}
