package message

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/yegors/skyrelay/pkg/bits"
)

// Downlink formats
const (
	DF0  = 0  // Short air-air surveillance
	DF4  = 4  // Surveillance, altitude reply
	DF5  = 5  // Surveillance, identity reply
	DF11 = 11 // All-call reply
	DF16 = 16 // Long air-air surveillance
	DF17 = 17 // Extended squitter
	DF18 = 18 // Extended squitter, non-transponder
	DF20 = 20 // Comm-B, altitude reply
	DF21 = 21 // Comm-B, identity reply
)

const (
	ShortFrameBytes = 7
	LongFrameBytes  = 14

	crcGenerator = 0x1FFF409

	// Even and odd CPR frames further apart than this are not paired
	cprPairWindow = 10 * time.Second
)

// ModeSFrame is a raw Mode-S reply. HasParity is false when the parity field
// has already been stripped or overlaid upstream.
type ModeSFrame struct {
	Bytes       []byte
	HasParity   bool
	SignalLevel int
	Timestamp   uint64 // 12MHz receiver clock, zero when unknown
}

// DownlinkFormat returns the DF field
func (f ModeSFrame) DownlinkFormat() int {
	if len(f.Bytes) == 0 {
		return -1
	}
	df := int(f.Bytes[0] >> 3)
	if df > 24 {
		// DF24 and above share the two-bit prefix 11
		df = 24
	}
	return df
}

// ExpectedLength is the frame length implied by the downlink format
func ExpectedLength(df int) int {
	if df >= 16 {
		return LongFrameBytes
	}
	return ShortFrameBytes
}

// Crc24 computes the Mode-S parity over data
func Crc24(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= crcGenerator
			}
		}
	}
	return crc & 0xFFFFFF
}

// ParityRemainder XORs the computed parity with the transmitted parity field.
// Zero means a clean DF17/18; for DF11 the remainder is the interrogator id.
func (f ModeSFrame) ParityRemainder() uint32 {
	n := len(f.Bytes)
	if n < ShortFrameBytes {
		return math.MaxUint32
	}
	pi := uint32(f.Bytes[n-3])<<16 | uint32(f.Bytes[n-2])<<8 | uint32(f.Bytes[n-1])
	return Crc24(f.Bytes[:n-3]) ^ pi
}

type cprFrame struct {
	lat, lon uint64
	at       time.Time
}

type cprPair struct {
	even, odd cprFrame
}

// ModeSDecoder turns extended squitters and all-call replies into messages.
// It keeps the last even and odd position frame per aircraft so that global
// CPR positions can be resolved.
type ModeSDecoder struct {
	mu  sync.Mutex
	cpr map[string]*cprPair
}

// NewModeSDecoder creates a decoder
func NewModeSDecoder() *ModeSDecoder {
	return &ModeSDecoder{cpr: make(map[string]*cprPair)}
}

// Decode translates one frame. ErrNotDecoded is returned for valid frames of
// a type this decoder leaves alone; ErrBadMessage for corrupt frames.
func (d *ModeSDecoder) Decode(frame ModeSFrame, received time.Time) (*Message, error) {
	df := frame.DownlinkFormat()
	if df < 0 {
		return nil, fmt.Errorf("empty frame: %w", ErrBadMessage)
	}
	if len(frame.Bytes) != ExpectedLength(df) {
		return nil, fmt.Errorf("DF%d frame of %d bytes: %w", df, len(frame.Bytes), ErrBadMessage)
	}

	switch df {
	case DF11, DF17, DF18:
	default:
		return nil, fmt.Errorf("DF%d: %w", df, ErrNotDecoded)
	}

	if frame.HasParity {
		rem := frame.ParityRemainder()
		if (df == DF11 && rem&^0x7F != 0) || (df != DF11 && rem != 0) {
			return nil, fmt.Errorf("DF%d parity remainder %06X: %w", df, rem, ErrBadMessage)
		}
	}

	s := bits.NewStream(frame.Bytes)
	icao, _ := bitsAt(s, 8, 24)
	m := &Message{
		Received:   received,
		Kind:       KindTransmission,
		Icao:       fmt.Sprintf("%06X", icao),
		SessionID:  1,
		AircraftID: 1,
		FlightID:   1,
		ModeS:      &frame,
		IsTisb:     df == DF18,
	}
	if frame.SignalLevel > 0 {
		m.SignalLevel = Ptr(frame.SignalLevel)
	}

	if df == DF11 {
		m.TransmissionType = TransmissionAllCallReply
		return m, nil
	}
	if err := d.decodeExtendedSquitter(s, m, received); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *ModeSDecoder) decodeExtendedSquitter(s *bits.Stream, m *Message, received time.Time) error {
	tc, _ := bitsAt(s, 32, 5)
	switch {
	case tc >= 1 && tc <= 4:
		m.TransmissionType = TransmissionIdentification
		m.Callsign = Ptr(decodeCallsign(s))
	case tc >= 5 && tc <= 8:
		m.TransmissionType = TransmissionSurfacePosition
		m.OnGround = Ptr(true)
		// Surface CPR needs a receiver reference position; not resolved here.
	case tc >= 9 && tc <= 18:
		m.TransmissionType = TransmissionAirbornePosition
		m.OnGround = Ptr(false)
		if alt, ok := decodeAC12(s); ok {
			m.Altitude = Ptr(alt)
		}
		d.resolvePosition(s, m, received)
	case tc == 19:
		m.TransmissionType = TransmissionAirborneVelocity
		decodeVelocity(s, m)
	default:
		return fmt.Errorf("extended squitter type code %d: %w", tc, ErrNotDecoded)
	}
	return nil
}

func bitsAt(s *bits.Stream, offset, count int) (uint64, error) {
	if err := s.Seek(offset); err != nil {
		return 0, err
	}
	return s.Read(count)
}

const callsignCharset = "#ABCDEFGHIJKLMNOPQRSTUVWXYZ##### ###############0123456789######"

func decodeCallsign(s *bits.Stream) string {
	var sb strings.Builder
	_ = s.Seek(40)
	for i := 0; i < 8; i++ {
		c, err := s.Read(6)
		if err != nil {
			break
		}
		if ch := callsignCharset[c]; ch != '#' {
			sb.WriteByte(ch)
		}
	}
	return strings.TrimSpace(sb.String())
}

// decodeAC12 decodes the 25ft-resolution altitude. Gillham coded altitudes
// (Q bit clear) are left to richer decoders.
func decodeAC12(s *bits.Stream) (int, bool) {
	ac, err := bitsAt(s, 40, 12)
	if err != nil || ac == 0 || ac&0x10 == 0 {
		return 0, false
	}
	n := (ac>>5)<<4 | ac&0xF
	return int(n)*25 - 1000, true
}

func decodeVelocity(s *bits.Stream, m *Message) {
	subtype, _ := bitsAt(s, 37, 3)
	if subtype != 1 && subtype != 2 {
		return
	}

	ewDir, _ := bitsAt(s, 45, 1)
	ewRaw, _ := bitsAt(s, 46, 10)
	nsDir, _ := bitsAt(s, 56, 1)
	nsRaw, _ := bitsAt(s, 57, 10)
	vrSign, _ := bitsAt(s, 68, 1)
	vrRaw, _ := bitsAt(s, 69, 9)

	if ewRaw != 0 && nsRaw != 0 {
		scale := 1.0
		if subtype == 2 {
			scale = 4
		}
		vx := float64(ewRaw-1) * scale
		if ewDir == 1 {
			vx = -vx
		}
		vy := float64(nsRaw-1) * scale
		if nsDir == 1 {
			vy = -vy
		}
		speed := math.Round(math.Hypot(vx, vy)*10) / 10
		track := math.Atan2(vx, vy) * 180 / math.Pi
		if track < 0 {
			track += 360
		}
		m.GroundSpeed = Ptr(speed)
		m.Track = Ptr(math.Round(track*10) / 10)
	}

	if vrRaw != 0 {
		rate := int(vrRaw-1) * 64
		if vrSign == 1 {
			rate = -rate
		}
		m.VerticalRate = Ptr(rate)
	}
}

func (d *ModeSDecoder) resolvePosition(s *bits.Stream, m *Message, received time.Time) {
	odd, _ := bitsAt(s, 53, 1)
	lat, _ := bitsAt(s, 54, 17)
	lon, _ := bitsAt(s, 71, 17)
	frame := cprFrame{lat: lat, lon: lon, at: received}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked(received)
	pair, ok := d.cpr[m.Icao]
	if !ok {
		pair = &cprPair{}
		d.cpr[m.Icao] = pair
	}
	if odd == 1 {
		pair.odd = frame
	} else {
		pair.even = frame
	}

	if pair.even.at.IsZero() || pair.odd.at.IsZero() {
		return
	}
	gap := pair.even.at.Sub(pair.odd.at)
	if gap < 0 {
		gap = -gap
	}
	if gap > cprPairWindow {
		return
	}
	if la, lo, ok := globalAirborneCPR(pair.even, pair.odd, odd == 1); ok {
		m.Latitude = Ptr(la)
		m.Longitude = Ptr(lo)
	}
}

// sweepLocked drops position frames that can no longer be paired
func (d *ModeSDecoder) sweepLocked(now time.Time) {
	if len(d.cpr) < 1024 {
		return
	}
	for icao, p := range d.cpr {
		if now.Sub(p.even.at) > cprPairWindow && now.Sub(p.odd.at) > cprPairWindow {
			delete(d.cpr, icao)
		}
	}
}

func cprMod(a, b float64) float64 {
	return a - b*math.Floor(a/b)
}

// cprNL is the number of longitude zones at a latitude
func cprNL(lat float64) float64 {
	lat = math.Abs(lat)
	switch {
	case lat == 0:
		return 59
	case lat == 87:
		return 2
	case lat > 87:
		return 1
	}
	a := 1 - math.Cos(math.Pi/(2*15))
	b := math.Pow(math.Cos(math.Pi/180*lat), 2)
	return math.Floor(2 * math.Pi / math.Acos(1-a/b))
}

func globalAirborneCPR(even, odd cprFrame, oddIsNewest bool) (float64, float64, bool) {
	const scale = 131072.0
	latE := float64(even.lat) / scale
	lonE := float64(even.lon) / scale
	latO := float64(odd.lat) / scale
	lonO := float64(odd.lon) / scale

	j := math.Floor(59*latE - 60*latO + 0.5)
	rlatE := 360.0 / 60 * (cprMod(j, 60) + latE)
	rlatO := 360.0 / 59 * (cprMod(j, 59) + latO)
	if rlatE >= 270 {
		rlatE -= 360
	}
	if rlatO >= 270 {
		rlatO -= 360
	}
	if cprNL(rlatE) != cprNL(rlatO) {
		return 0, 0, false
	}

	var lat, lon float64
	if oddIsNewest {
		nl := cprNL(rlatO)
		ni := math.Max(nl-1, 1)
		m := math.Floor(lonE*(nl-1) - lonO*nl + 0.5)
		lat = rlatO
		lon = 360 / ni * (cprMod(m, ni) + lonO)
	} else {
		nl := cprNL(rlatE)
		ni := math.Max(nl, 1)
		m := math.Floor(lonE*(nl-1) - lonO*nl + 0.5)
		lat = rlatE
		lon = 360 / ni * (cprMod(m, ni) + lonE)
	}
	if lon >= 180 {
		lon -= 360
	}
	if lat < -90 || lat > 90 {
		return 0, 0, false
	}
	return lat, lon, true
}
