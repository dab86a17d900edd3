package message

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// compactRecord is the wire shape of a compressed message. Keys are single
// letters to keep records small on busy feeds.
type compactRecord struct {
	Icao         string   `msgpack:"i"`
	Kind         string   `msgpack:"k,omitempty"`
	Transmission int      `msgpack:"t,omitempty"`
	Received     int64    `msgpack:"r"`
	Callsign     *string  `msgpack:"c,omitempty"`
	Altitude     *int     `msgpack:"a,omitempty"`
	GroundSpeed  *float64 `msgpack:"g,omitempty"`
	Track        *float64 `msgpack:"h,omitempty"`
	Latitude     *float64 `msgpack:"y,omitempty"`
	Longitude    *float64 `msgpack:"x,omitempty"`
	VerticalRate *int     `msgpack:"v,omitempty"`
	Squawk       *int     `msgpack:"s,omitempty"`
	SquawkAlert  *bool    `msgpack:"sa,omitempty"`
	Emergency    *bool    `msgpack:"e,omitempty"`
	IdentActive  *bool    `msgpack:"id,omitempty"`
	OnGround     *bool    `msgpack:"og,omitempty"`
	SignalLevel  *int     `msgpack:"sl,omitempty"`
	Flags        uint8    `msgpack:"f,omitempty"`
}

const (
	flagMlat uint8 = 1 << iota
	flagTisb
)

// Compress encodes the message as one compact binary record
func Compress(m *Message) ([]byte, error) {
	rec := compactRecord{
		Icao:         m.Icao,
		Transmission: m.TransmissionType,
		Received:     m.Received.UnixMilli(),
		Callsign:     m.Callsign,
		Altitude:     m.Altitude,
		GroundSpeed:  m.GroundSpeed,
		Track:        m.Track,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
		VerticalRate: m.VerticalRate,
		Squawk:       m.Squawk,
		SquawkAlert:  m.SquawkAlert,
		Emergency:    m.Emergency,
		IdentActive:  m.IdentActive,
		OnGround:     m.OnGround,
		SignalLevel:  m.SignalLevel,
	}
	if m.Kind != KindTransmission {
		rec.Kind = string(m.Kind)
	}
	if m.IsMlat {
		rec.Flags |= flagMlat
	}
	if m.IsTisb {
		rec.Flags |= flagTisb
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to compress message for %s: %w", m.Icao, err)
	}
	return data, nil
}

// Decompress reverses Compress
func Decompress(data []byte) (*Message, error) {
	var rec compactRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("compressed record: %v: %w", err, ErrBadMessage)
	}

	m := &Message{
		Kind:             KindTransmission,
		Icao:             rec.Icao,
		TransmissionType: rec.Transmission,
		Received:         time.UnixMilli(rec.Received).UTC(),
		Callsign:         rec.Callsign,
		Altitude:         rec.Altitude,
		GroundSpeed:      rec.GroundSpeed,
		Track:            rec.Track,
		Latitude:         rec.Latitude,
		Longitude:        rec.Longitude,
		VerticalRate:     rec.VerticalRate,
		Squawk:           rec.Squawk,
		SquawkAlert:      rec.SquawkAlert,
		Emergency:        rec.Emergency,
		IdentActive:      rec.IdentActive,
		OnGround:         rec.OnGround,
		SignalLevel:      rec.SignalLevel,
		IsMlat:           rec.Flags&flagMlat != 0,
		IsTisb:           rec.Flags&flagTisb != 0,
	}
	if rec.Kind != "" {
		m.Kind = Kind(rec.Kind)
	}
	return m, nil
}
