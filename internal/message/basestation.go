package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	baseStationDate = "2006/01/02"
	baseStationTime = "15:04:05.000"

	baseStationFields = 22
)

// ParseBaseStation parses one Port 30003 line. The trailing CR/LF is optional.
func ParseBaseStation(line string, received time.Time) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("empty line: %w", ErrBadMessage)
	}

	parts := strings.Split(line, ",")
	if len(parts) < 10 {
		return nil, fmt.Errorf("%d fields in %q: %w", len(parts), line, ErrBadMessage)
	}
	for len(parts) < baseStationFields {
		parts = append(parts, "")
	}

	m := &Message{Received: received}
	switch Kind(parts[0]) {
	case KindTransmission, KindSelectionChange, KindNewID, KindNewAircraft, KindStatusChange, KindClick:
		m.Kind = Kind(parts[0])
	default:
		return nil, fmt.Errorf("unknown message kind %q: %w", parts[0], ErrBadMessage)
	}

	var err error
	if m.TransmissionType, err = optionalInt(parts[1]); err != nil {
		return nil, fieldError("transmission type", err)
	}
	if m.SessionID, err = optionalInt(parts[2]); err != nil {
		return nil, fieldError("session id", err)
	}
	if m.AircraftID, err = optionalInt(parts[3]); err != nil {
		return nil, fieldError("aircraft id", err)
	}
	icao, ok := NormaliseIcao(parts[4])
	if !ok {
		return nil, fmt.Errorf("invalid icao %q: %w", parts[4], ErrBadMessage)
	}
	m.Icao = icao
	if m.FlightID, err = optionalInt(parts[5]); err != nil {
		return nil, fieldError("flight id", err)
	}
	m.Generated = parseStamp(parts[6], parts[7], received)
	m.Logged = parseStamp(parts[8], parts[9], received)

	if m.Kind == KindStatusChange {
		m.Status = parts[10]
		return m, nil
	}

	if s := strings.TrimSpace(parts[10]); s != "" {
		m.Callsign = &s
	}
	if m.Altitude, err = intField(parts[11]); err != nil {
		return nil, fieldError("altitude", err)
	}
	if m.GroundSpeed, err = floatField(parts[12]); err != nil {
		return nil, fieldError("ground speed", err)
	}
	if m.Track, err = floatField(parts[13]); err != nil {
		return nil, fieldError("track", err)
	}
	if m.Latitude, err = floatField(parts[14]); err != nil {
		return nil, fieldError("latitude", err)
	}
	if m.Longitude, err = floatField(parts[15]); err != nil {
		return nil, fieldError("longitude", err)
	}
	if m.VerticalRate, err = intField(parts[16]); err != nil {
		return nil, fieldError("vertical rate", err)
	}
	if m.Squawk, err = intField(parts[17]); err != nil {
		return nil, fieldError("squawk", err)
	}
	if m.SquawkAlert, err = flagField(parts[18]); err != nil {
		return nil, fieldError("alert", err)
	}
	if m.Emergency, err = flagField(parts[19]); err != nil {
		return nil, fieldError("emergency", err)
	}
	if m.IdentActive, err = flagField(parts[20]); err != nil {
		return nil, fieldError("spi", err)
	}
	if m.OnGround, err = flagField(parts[21]); err != nil {
		return nil, fieldError("on ground", err)
	}

	return m, nil
}

// BaseStationLine renders the message as a Port 30003 line without the
// terminating CR/LF.
func (m *Message) BaseStationLine() string {
	kind := m.Kind
	if kind == "" {
		kind = KindTransmission
	}
	generated := m.Generated
	if generated.IsZero() {
		generated = m.Received
	}
	logged := m.Logged
	if logged.IsZero() {
		logged = m.Received
	}

	fields := make([]string, 0, baseStationFields)
	fields = append(fields,
		string(kind),
		itoaOrEmpty(m.TransmissionType, kind == KindTransmission),
		itoaOrEmpty(m.SessionID, true),
		itoaOrEmpty(m.AircraftID, true),
		m.Icao,
		itoaOrEmpty(m.FlightID, true),
		generated.Format(baseStationDate),
		generated.Format(baseStationTime),
		logged.Format(baseStationDate),
		logged.Format(baseStationTime),
	)

	if kind == KindStatusChange {
		return strings.Join(append(fields, m.Status), ",")
	}

	fields = append(fields,
		derefString(m.Callsign),
		formatInt(m.Altitude),
		formatFloat(m.GroundSpeed, 1),
		formatFloat(m.Track, 1),
		formatFloat(m.Latitude, 5),
		formatFloat(m.Longitude, 5),
		formatInt(m.VerticalRate),
		formatSquawk(m.Squawk),
		formatFlag(m.SquawkAlert),
		formatFlag(m.Emergency),
		formatFlag(m.IdentActive),
		formatFlag(m.OnGround),
	)
	return strings.Join(fields, ",")
}

func fieldError(name string, err error) error {
	return fmt.Errorf("%s: %v: %w", name, err, ErrBadMessage)
}

func parseStamp(date, clock string, fallback time.Time) time.Time {
	if date == "" || clock == "" {
		return fallback
	}
	t, err := time.ParseInLocation(baseStationDate+" "+baseStationTime, date+" "+clock, time.UTC)
	if err != nil {
		// Some feeders drop the milliseconds.
		if t, err = time.ParseInLocation(baseStationDate+" 15:04:05", date+" "+clock, time.UTC); err != nil {
			return fallback
		}
	}
	return t
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func intField(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		// Altitudes and rates sometimes arrive as "1000.0".
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil, err
		}
		v = int(f)
	}
	return &v, nil
}

func floatField(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func flagField(s string) (*bool, error) {
	switch strings.TrimSpace(s) {
	case "":
		return nil, nil
	case "0":
		return Ptr(false), nil
	case "1", "-1":
		return Ptr(true), nil
	default:
		return nil, fmt.Errorf("invalid flag %q", s)
	}
}

func itoaOrEmpty(v int, always bool) string {
	if v == 0 && !always {
		return ""
	}
	return strconv.Itoa(v)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

func formatSquawk(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%04d", *v)
}

func formatFlag(v *bool) string {
	switch {
	case v == nil:
		return ""
	case *v:
		return "-1"
	default:
		return "0"
	}
}
