// Package message defines the structured aircraft message that flows from the
// translators into the aircraft tables and out to the rebroadcast encoders.
package message

import (
	"errors"
	"strings"
	"time"
)

// ErrBadMessage marks input that could not be turned into a message
var ErrBadMessage = errors.New("bad message")

// ErrNotDecoded marks a well-formed frame this translator does not decode
var ErrNotDecoded = errors.New("frame type not decoded")

// Kind is the BaseStation message class
type Kind string

const (
	KindTransmission    Kind = "MSG"
	KindSelectionChange Kind = "SEL"
	KindNewID           Kind = "ID"
	KindNewAircraft     Kind = "AIR"
	KindStatusChange    Kind = "STA"
	KindClick           Kind = "CLK"
)

// Transmission types carried by MSG lines
const (
	TransmissionIdentification   = 1
	TransmissionSurfacePosition  = 2
	TransmissionAirbornePosition = 3
	TransmissionAirborneVelocity = 4
	TransmissionSurveillanceAlt  = 5
	TransmissionSurveillanceID   = 6
	TransmissionAirToAir         = 7
	TransmissionAllCallReply     = 8
)

// Message is one decoded report about one aircraft. Pointer fields are nil
// when the report did not carry that value.
type Message struct {
	Received         time.Time
	Kind             Kind
	TransmissionType int
	SessionID        int
	AircraftID       int
	FlightID         int
	Icao             string
	Generated        time.Time
	Logged           time.Time

	Callsign     *string
	Altitude     *int
	GroundSpeed  *float64
	Track        *float64
	Latitude     *float64
	Longitude    *float64
	VerticalRate *int
	Squawk       *int
	SquawkAlert  *bool
	Emergency    *bool
	IdentActive  *bool
	OnGround     *bool

	SignalLevel *int
	IsMlat      bool
	IsTisb      bool
	Status      string

	// ModeS is the frame the message was decoded from, if any
	ModeS *ModeSFrame
}

// FrameOnly wraps a Mode-S frame that was not decoded. It carries no Kind,
// so the aircraft tables and the message based encoders skip it while frame
// based encoders still forward it.
func FrameOnly(frame ModeSFrame, received time.Time) *Message {
	return &Message{Received: received, ModeS: &frame}
}

// IsFrameOnly reports whether m is a bare frame from FrameOnly
func (m *Message) IsFrameOnly() bool {
	return m.Kind == "" && m.ModeS != nil
}

// HasPosition reports whether both latitude and longitude are present
func (m *Message) HasPosition() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// NormaliseIcao upper-cases and validates a 24-bit hex address
func NormaliseIcao(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 6 {
		return "", false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", false
		}
	}
	return s, true
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
