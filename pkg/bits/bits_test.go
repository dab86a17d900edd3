package bits

import (
	"errors"
	"testing"
)

func TestUint(t *testing.T) {
	buf := []byte{0x8D, 0x4C, 0xA2, 0x51, 0xFF, 0x00, 0x12, 0x34, 0x56}

	tests := []struct {
		name   string
		offset int
		count  int
		want   uint64
	}{
		{"downlink format", 0, 5, 17},
		{"capability", 5, 3, 5},
		{"icao across bytes", 8, 24, 0x4CA251},
		{"single bit set", 0, 1, 1},
		{"single bit clear", 1, 1, 0},
		{"unaligned nibble", 4, 8, 0xD4},
		{"whole 64 bits", 0, 64, 0x8D4CA251FF001234},
		{"64 bits unaligned", 8, 64, 0x4CA251FF00123456},
		{"last bit", 71, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Uint(buf, tt.offset, tt.count)
			if err != nil {
				t.Fatalf("Uint(%d, %d) unexpected error: %v", tt.offset, tt.count, err)
			}
			if got != tt.want {
				t.Errorf("Uint(%d, %d) = %#x, want %#x", tt.offset, tt.count, got, tt.want)
			}
		})
	}
}

func TestUintErrors(t *testing.T) {
	buf := []byte{0xFF, 0xFF}

	if _, err := Uint(buf, 0, 0); !errors.Is(err, ErrBitCount) {
		t.Errorf("zero bits: got %v, want ErrBitCount", err)
	}
	if _, err := Uint(buf, 0, 65); !errors.Is(err, ErrBitCount) {
		t.Errorf("65 bits: got %v, want ErrBitCount", err)
	}
	if _, err := Uint(buf, 9, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("past end: got %v, want ErrOutOfRange", err)
	}
	if _, err := Uint(buf, -1, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("negative offset: got %v, want ErrOutOfRange", err)
	}
}

func TestStream(t *testing.T) {
	s := NewStream([]byte{0xA5, 0x3C})

	first, err := s.ReadBool()
	if err != nil || !first {
		t.Fatalf("ReadBool = %v, %v; want true", first, err)
	}
	v, err := s.Read(7)
	if err != nil || v != 0x25 {
		t.Fatalf("Read(7) = %#x, %v; want 0x25", v, err)
	}
	if s.Remaining() != 8 {
		t.Fatalf("Remaining = %d, want 8", s.Remaining())
	}
	if err := s.Skip(4); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if _, err := s.Read(5); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("overrun read: got %v, want ErrOutOfRange", err)
	}
	if s.Offset() != 12 {
		t.Errorf("failed read moved cursor to %d", s.Offset())
	}
	v, err = s.Read(4)
	if err != nil || v != 0xC {
		t.Errorf("Read(4) = %#x, %v; want 0xc", v, err)
	}
}
