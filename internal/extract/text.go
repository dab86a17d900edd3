package extract

import (
	"bytes"
	"fmt"

	"github.com/yegors/skyrelay/internal/message"
)

const maxLineLength = 4096

// lineBuffer accumulates bytes and hands back complete lines
type lineBuffer struct {
	buf []byte
}

func (l *lineBuffer) feed(chunk []byte, line func([]byte), overflow func(int)) {
	l.buf = append(l.buf, chunk...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line(bytes.TrimRight(l.buf[:i], "\r"))
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLineLength {
		overflow(len(l.buf))
		l.buf = nil
	}
	if len(l.buf) == 0 {
		l.buf = nil
	}
}

// BaseStationExtractor splits a Port 30003 stream into lines
type BaseStationExtractor struct {
	lines lineBuffer
}

// NewBaseStation creates a BaseStation line extractor
func NewBaseStation() *BaseStationExtractor {
	return &BaseStationExtractor{}
}

func (e *BaseStationExtractor) DataSource() DataSource { return BaseStation }

func (e *BaseStationExtractor) Reset() { e.lines.buf = nil }

func (e *BaseStationExtractor) Extract(chunk []byte, emit func(Frame)) {
	e.lines.feed(chunk, func(line []byte) {
		if len(bytes.TrimSpace(line)) == 0 {
			return
		}
		emit(Frame{Kind: FrameText, Text: string(line)})
	}, func(n int) {
		emit(Frame{Err: fmt.Errorf("%d bytes without a line break: %w", n, ErrBadFrame)})
	})
}

// AvrExtractor handles the AVR text formats (*hex;, :hex; and @hex;)
type AvrExtractor struct {
	lines lineBuffer
}

// NewAvr creates an AVR extractor
func NewAvr() *AvrExtractor {
	return &AvrExtractor{}
}

func (e *AvrExtractor) DataSource() DataSource { return Avr }

func (e *AvrExtractor) Reset() { e.lines.buf = nil }

func (e *AvrExtractor) Extract(chunk []byte, emit func(Frame)) {
	e.lines.feed(chunk, func(line []byte) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return
		}
		frame, err := message.ParseAvr(string(line))
		if err != nil {
			emit(Frame{Err: fmt.Errorf("%v: %w", err, ErrBadFrame)})
			return
		}
		emit(Frame{Kind: FrameModeS, ModeS: frame})
	}, func(n int) {
		emit(Frame{Err: fmt.Errorf("%d bytes without a line break: %w", n, ErrBadFrame)})
	})
}
