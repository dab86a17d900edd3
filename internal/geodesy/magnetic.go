package geodesy

import (
	"fmt"
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// MagneticVariation returns the magnetic declination in degrees (+East,
// -West) at a position and time from the World Magnetic Model
func MagneticVariation(lat, lon float64, altitudeFt int, at time.Time) (float64, error) {
	if !ValidPosition(lat, lon) {
		return 0, fmt.Errorf("invalid position %f,%f", lat, lon)
	}
	loc := egm96.NewLocationGeodetic(lat, lon, float64(altitudeFt)*0.3048)
	mag, err := wmm.CalculateWMMMagneticField(loc, at)
	if err != nil {
		return 0, fmt.Errorf("magnetic field at %f,%f: %w", lat, lon, err)
	}
	return mag.D(), nil
}

// MagneticTrack converts a true track to a magnetic one, in [0, 360)
func MagneticTrack(trueTrack, variation float64) float64 {
	return NormaliseBearing(trueTrack - variation)
}

// NormaliseBearing folds degrees into [0, 360)
func NormaliseBearing(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
