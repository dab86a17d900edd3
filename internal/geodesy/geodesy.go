// Package geodesy holds the distance helpers shared by the trail builder and
// the sanity filter.
package geodesy

import (
	"math"

	"github.com/skypies/geo"
)

// DistanceKM returns the great-circle distance between two points in kilometres
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.Latlong{Lat: lat1, Long: lon1}.DistKM(geo.Latlong{Lat: lat2, Long: lon2})
}

// ValidPosition reports whether lat/lon are inside the usual ranges
func ValidPosition(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
