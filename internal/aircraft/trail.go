package aircraft

import (
	"math"
	"time"

	"github.com/yegors/skyrelay/internal/geodesy"
)

// Trail tuning. These are empirical and change what gets drawn.
const (
	// A jump further than this, covered faster than TrailResetSeconds scaled
	// by the same ratio, is treated as bad data and restarts the trail.
	TrailResetDistanceKM = 18.0
	TrailResetSeconds    = 45.0

	minTrailInterval = time.Second

	headingBucket  = 1.0  // degrees
	altitudeBucket = 25.0 // feet
	speedBucket    = 1.0  // knots
)

// Coordinate is one point of a trail
type Coordinate struct {
	DataVersion int64     `json:"data_version"`
	Tick        time.Time `json:"tick"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Track       *float64  `json:"track,omitempty"`
	Altitude    *int      `json:"altitude,omitempty"`
	GroundSpeed *float64  `json:"ground_speed,omitempty"`
}

// UpdateCoordinates appends the current position to both trails. Nothing
// happens until latitude and longitude are known, or when less than a second
// has passed since the last trail point. The caller must hold the record lock.
func (a *Aircraft) UpdateCoordinates(now time.Time, shortTrailSeconds int) {
	if !a.Latitude.Known || !a.Longitude.Known {
		return
	}

	point := Coordinate{
		DataVersion: a.DataVersion,
		Tick:        now,
		Lat:         a.Latitude.Val,
		Lon:         a.Longitude.Val,
		Track:       a.Track.Ptr(),
		Altitude:    a.Altitude.Ptr(),
		GroundSpeed: a.GroundSpeed.Ptr(),
	}

	if n := len(a.FullTrail); n > 0 {
		last := a.FullTrail[n-1]
		elapsed := now.Sub(last.Tick)
		if elapsed < minTrailInterval {
			return
		}
		dist := geodesy.DistanceKM(last.Lat, last.Lon, point.Lat, point.Lon)
		if dist > TrailResetDistanceKM && elapsed.Seconds() < TrailResetSeconds*(dist/TrailResetDistanceKM) {
			a.FullTrail = nil
			a.ShortTrail = nil
		}
	}

	a.FullTrail = addCompacted(a.FullTrail, point)
	a.ShortTrail = addCompacted(a.ShortTrail, point)
	a.ShortTrail = trimOlderThan(a.ShortTrail, now.Add(-time.Duration(shortTrailSeconds)*time.Second))

	if len(a.FullTrail) == 1 {
		a.FirstCoordinateChanged = a.DataVersion
	}
	a.LastCoordinateChanged = a.DataVersion
}

// ResetCoordinates clears both trails and their change stamps
func (a *Aircraft) ResetCoordinates() {
	a.FullTrail = nil
	a.ShortTrail = nil
	a.FirstCoordinateChanged = 0
	a.LastCoordinateChanged = 0
}

type roundedPoint struct {
	heading, altitude, speed int
	hasHeading, hasAltitude  bool
	hasSpeed                 bool
	lat, lon                 float64
}

func round(c Coordinate) roundedPoint {
	r := roundedPoint{lat: c.Lat, lon: c.Lon}
	if c.Track != nil {
		r.heading, r.hasHeading = int(math.Round(*c.Track/headingBucket)), true
	}
	if c.Altitude != nil {
		r.altitude, r.hasAltitude = int(math.Round(float64(*c.Altitude)/altitudeBucket)), true
	}
	if c.GroundSpeed != nil {
		r.speed, r.hasSpeed = int(math.Round(*c.GroundSpeed/speedBucket)), true
	}
	return r
}

func (r roundedPoint) sameHeading(o roundedPoint) bool {
	return r.hasHeading == o.hasHeading && r.heading == o.heading
}

func (r roundedPoint) samePosition(o roundedPoint) bool {
	return r.lat == o.lat && r.lon == o.lon
}

func (r roundedPoint) sameAltitudeAndSpeed(o roundedPoint) bool {
	return r.hasAltitude == o.hasAltitude && r.altitude == o.altitude &&
		r.hasSpeed == o.hasSpeed && r.speed == o.speed
}

// addCompacted appends point, or overwrites the last point when the trail
// would otherwise gain a point that adds nothing to the drawn shape.
func addCompacted(trail []Coordinate, point Coordinate) []Coordinate {
	n := len(trail)
	if n == 0 {
		return append(trail, point)
	}

	cur := round(point)
	last := round(trail[n-1])

	if cur.sameHeading(last) && cur.samePosition(last) && cur.sameAltitudeAndSpeed(last) {
		trail[n-1] = point
		return trail
	}

	if n >= 2 {
		prev := round(trail[n-2])
		if prev.sameHeading(last) && last.sameHeading(cur) &&
			(last.samePosition(cur) || (prev.sameAltitudeAndSpeed(last) && last.sameAltitudeAndSpeed(cur))) {
			trail[n-1] = point
			return trail
		}
	}

	return append(trail, point)
}

func trimOlderThan(trail []Coordinate, cutoff time.Time) []Coordinate {
	i := 0
	for i < len(trail) && trail[i].Tick.Before(cutoff) {
		i++
	}
	if i == 0 {
		return trail
	}
	return append(trail[:0:0], trail[i:]...)
}
