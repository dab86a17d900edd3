package extract

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/yegors/skyrelay/internal/message"
)

func collect(e Extractor, chunks ...[]byte) []Frame {
	var out []Frame
	for _, c := range chunks {
		e.Extract(c, func(f Frame) { out = append(out, f) })
	}
	return out
}

func texts(frames []Frame) []string {
	var out []string
	for _, f := range frames {
		if f.Err == nil && f.Kind == FrameText {
			out = append(out, f.Text)
		}
	}
	return out
}

func TestBaseStationSplitAcrossChunks(t *testing.T) {
	e := NewBaseStation()
	frames := collect(e,
		[]byte("MSG,3,1,1,4CA251,1,2024/01/01,"),
		[]byte("00:00:00.000,2024/01/01,00:00:00.000,,1000,,,,,,,,,,\r\n\r\nMSG,8,1,1,"),
		[]byte("4CA251,1,,,,,,,,,,,,,,,,,,,,\nMSG,1"),
	)

	want := []string{
		"MSG,3,1,1,4CA251,1,2024/01/01,00:00:00.000,2024/01/01,00:00:00.000,,1000,,,,,,,,,,",
		"MSG,8,1,1,4CA251,1,,,,,,,,,,,,,,,,,,,,",
	}
	if diff := cmp.Diff(want, texts(frames)); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	// the trailing partial line is completed by the next chunk
	frames = collect(e, []byte(",1,1\n"))
	if diff := cmp.Diff([]string{"MSG,1,1,1"}, texts(frames)); diff != "" {
		t.Errorf("continuation mismatch (-want +got):\n%s", diff)
	}
}

func TestBaseStationOverflow(t *testing.T) {
	e := NewBaseStation()
	frames := collect(e, bytes.Repeat([]byte("x"), maxLineLength+1))
	if len(frames) != 1 || !errors.Is(frames[0].Err, ErrBadFrame) {
		t.Fatalf("expected one bad frame, got %+v", frames)
	}
	frames = collect(e, []byte("ok\n"))
	if diff := cmp.Diff([]string{"ok"}, texts(frames)); diff != "" {
		t.Errorf("after overflow (-want +got):\n%s", diff)
	}
}

func TestBaseStationReset(t *testing.T) {
	e := NewBaseStation()
	collect(e, []byte("partial"))
	e.Reset()
	frames := collect(e, []byte("line\n"))
	if diff := cmp.Diff([]string{"line"}, texts(frames)); diff != "" {
		t.Errorf("after reset (-want +got):\n%s", diff)
	}
}

func TestAvrExtractor(t *testing.T) {
	e := NewAvr()
	frames := collect(e,
		[]byte("*8D4840D6202CC371C32CE0576098;\r\n*5D48"),
		[]byte("40D6F8740F;\r\nnonsense\r\n"),
	)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Kind != FrameModeS || len(frames[0].ModeS.Bytes) != message.LongFrameBytes {
		t.Errorf("first frame = %+v", frames[0])
	}
	if frames[1].Kind != FrameModeS || len(frames[1].ModeS.Bytes) != message.ShortFrameBytes {
		t.Errorf("second frame = %+v", frames[1])
	}
	if !errors.Is(frames[2].Err, ErrBadFrame) {
		t.Errorf("third frame should be bad, got %+v", frames[2])
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBeastRoundTrip(t *testing.T) {
	frame := message.ModeSFrame{
		Bytes:       mustHex(t, "8D4840D6202CC371C32CE0576098"),
		HasParity:   true,
		SignalLevel: 0x1A,
		Timestamp:   0x00001A1A0102,
	}
	encoded := EncodeBeast(frame)
	// two escaped timestamp bytes plus the escaped signal level
	if got, want := len(encoded), 2+beastHeaderLen+message.LongFrameBytes+3; got != want {
		t.Fatalf("encoded length = %d, want %d", got, want)
	}

	e := NewBeast()
	var frames []Frame
	for _, b := range encoded {
		e.Extract([]byte{b}, func(f Frame) { frames = append(frames, f) })
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if diff := cmp.Diff(frame, frames[0].ModeS); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestBeastSkipsModeACAndStatus(t *testing.T) {
	modeAC := []byte{beastEscape, beastModeAC, 0, 0, 0, 0, 0, 1, 0x40, 0x12, 0x34}
	status := append([]byte{beastEscape, beastStatus}, make([]byte, beastHeaderLen+message.LongFrameBytes)...)
	short := EncodeBeast(message.ModeSFrame{Bytes: mustHex(t, "5D4840D6F8740F"), HasParity: true})

	var stream []byte
	stream = append(stream, modeAC...)
	stream = append(stream, status...)
	stream = append(stream, short...)

	frames := collect(NewBeast(), stream)
	if len(frames) != 1 || frames[0].Kind != FrameModeS {
		t.Fatalf("expected only the Mode-S frame, got %+v", frames)
	}
}

func TestBeastTruncatedFrame(t *testing.T) {
	long := EncodeBeast(message.ModeSFrame{Bytes: mustHex(t, "8D4840D6202CC371C32CE0576098"), HasParity: true})
	short := EncodeBeast(message.ModeSFrame{Bytes: mustHex(t, "5D4840D6F8740F"), HasParity: true})

	stream := append(append([]byte{}, long[:10]...), short...)
	frames := collect(NewBeast(), stream)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !errors.Is(frames[0].Err, ErrBadFrame) {
		t.Errorf("first frame should be bad, got %+v", frames[0])
	}
	if frames[1].Kind != FrameModeS || len(frames[1].ModeS.Bytes) != message.ShortFrameBytes {
		t.Errorf("second frame = %+v", frames[1])
	}
}

func TestBeastUnknownType(t *testing.T) {
	frames := collect(NewBeast(), []byte{beastEscape, 'z', 0x00})
	if len(frames) != 1 || !errors.Is(frames[0].Err, ErrBadFrame) {
		t.Fatalf("expected a bad frame, got %+v", frames)
	}
}

func TestNew(t *testing.T) {
	for _, src := range []DataSource{BaseStation, Avr, Beast} {
		e, err := New(src)
		if err != nil {
			t.Fatalf("New(%s): %v", src, err)
		}
		if e.DataSource() != src {
			t.Errorf("DataSource() = %s, want %s", e.DataSource(), src)
		}
	}
	if _, err := New("nmea"); err == nil || !strings.Contains(err.Error(), "nmea") {
		t.Errorf("expected unknown source error, got %v", err)
	}
}
