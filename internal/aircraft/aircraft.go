// Package aircraft holds the versioned state of tracked aircraft and the
// per-feed table that applies inbound messages to it.
package aircraft

import (
	"sync"
	"time"

	"github.com/brunoga/deep"
)

// Aircraft is the state of one tracked aircraft. Values handed out by a Table
// or by Record.Clone are private copies and may be read without locking.
type Aircraft struct {
	UniqueID    int64  `json:"id"`
	Icao        string `json:"icao"`
	DataVersion int64  `json:"data_version"`

	ReceiverID Value[int] `json:"receiver_id"`

	// Identity and flight
	Callsign          Value[string] `json:"callsign"`
	CallsignIsSuspect Value[bool]   `json:"callsign_is_suspect"`
	Squawk            Value[int]    `json:"squawk"`
	Emergency         Value[bool]   `json:"emergency"`
	SquawkAlert       Value[bool]   `json:"squawk_alert"`
	IdentActive       Value[bool]   `json:"ident_active"`
	Origin            Value[string] `json:"origin"`
	Destination       Value[string] `json:"destination"`
	Stopovers         Value[string] `json:"stopovers"`

	// Altitude
	Altitude          Value[int]     `json:"altitude"`
	GeometricAltitude Value[int]     `json:"geometric_altitude"`
	AltitudeType      Value[string]  `json:"altitude_type"`
	TargetAltitude    Value[int]     `json:"target_altitude"`
	AirPressureInHg   Value[float64] `json:"air_pressure_inhg"`
	VerticalRate      Value[int]     `json:"vertical_rate"`
	VerticalRateType  Value[string]  `json:"vertical_rate_type"`
	OnGround          Value[bool]    `json:"on_ground"`

	// Movement
	GroundSpeed    Value[float64] `json:"ground_speed"`
	SpeedType      Value[string]  `json:"speed_type"`
	Track          Value[float64] `json:"track"`
	TrackIsHeading Value[bool]    `json:"track_is_heading"`
	TargetTrack    Value[float64] `json:"target_track"`

	// Position
	Latitude       Value[float64]   `json:"latitude"`
	Longitude      Value[float64]   `json:"longitude"`
	PositionTime   Value[time.Time] `json:"position_time"`
	PositionIsMlat Value[bool]      `json:"position_is_mlat"`
	PositionIsTisb Value[bool]      `json:"position_is_tisb"`

	// Reception
	SignalLevel           Value[int]       `json:"signal_level"`
	FirstSeen             Value[time.Time] `json:"first_seen"`
	LastUpdate            Value[time.Time] `json:"last_update"`
	LastModeS             Value[time.Time] `json:"last_mode_s"`
	CountMessagesReceived Value[int64]     `json:"count_messages_received"`
	TransponderType       Value[string]    `json:"transponder_type"`
	AdsbVersion           Value[int]       `json:"adsb_version"`
	NACp                  Value[int]       `json:"nac_p"`
	NIC                   Value[int]       `json:"nic"`
	SIL                   Value[int]       `json:"sil"`

	// Airframe metadata, filled by lookup services
	Registration           Value[string] `json:"registration"`
	TypeCode               Value[string] `json:"type_code"`
	Manufacturer           Value[string] `json:"manufacturer"`
	Model                  Value[string] `json:"model"`
	Operator               Value[string] `json:"operator"`
	OperatorIcao           Value[string] `json:"operator_icao"`
	SerialNumber           Value[string] `json:"serial_number"`
	YearBuilt              Value[string] `json:"year_built"`
	Country                Value[string] `json:"country"`
	Species                Value[string] `json:"species"`
	EngineType             Value[string] `json:"engine_type"`
	NumberOfEngines        Value[string] `json:"number_of_engines"`
	EnginePlacement        Value[string] `json:"engine_placement"`
	WakeTurbulenceCategory Value[string] `json:"wake_turbulence_category"`
	IsMilitary             Value[bool]   `json:"is_military"`
	IsInteresting          Value[bool]   `json:"is_interesting"`

	// Trail
	FirstCoordinateChanged int64        `json:"first_coordinate_changed"`
	LastCoordinateChanged  int64        `json:"last_coordinate_changed"`
	FullTrail              []Coordinate `json:"full_trail"`
	ShortTrail             []Coordinate `json:"short_trail"`
}

// Record is the live, lockable holder of one aircraft's state
type Record struct {
	mu    sync.Mutex
	state Aircraft
}

// NewRecord creates a record for a newly seen aircraft
func NewRecord(uniqueID int64, icao string) *Record {
	return &Record{state: Aircraft{UniqueID: uniqueID, Icao: icao}}
}

// Update runs fn with the record locked. fn must not retain the pointer.
func (r *Record) Update(fn func(a *Aircraft)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

// Clone returns an independent copy of the current state
func (r *Record) Clone() *Aircraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := deep.MustCopy(r.state)
	return &c
}

// UpdateCoordinates extends the trails with the current position
func (r *Record) UpdateCoordinates(now time.Time, shortTrailSeconds int) {
	r.Update(func(a *Aircraft) { a.UpdateCoordinates(now, shortTrailSeconds) })
}

// ResetCoordinates clears both trails
func (r *Record) ResetCoordinates() {
	r.Update(func(a *Aircraft) { a.ResetCoordinates() })
}

// UniqueID is immutable so it can be read without the lock
func (r *Record) UniqueID() int64 {
	return r.state.UniqueID
}

// lastUpdate returns the time of the last applied message
func (r *Record) lastUpdate() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.LastUpdate.Val
}
