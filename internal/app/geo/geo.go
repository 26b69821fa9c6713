// Package geo verifies proof-of-presence for trade meetups: it measures the
// great-circle distance between a reported position and a sale's meeting
// point and decides whether the reporter counts as arrived.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// DefaultToleranceMeters is the geofence radius within which a reported
// position counts as present at the meeting point.
const DefaultToleranceMeters = 100.0

// ErrInvalidCoordinate reports a latitude outside [-90, 90] or a longitude
// outside [-180, 180].
var ErrInvalidCoordinate = errors.New("geo: coordinate out of range")

// Point is a WGS84 position in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies within coordinate range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Point) (float64, error) {
	if !a.Valid() || !b.Valid() {
		return 0, ErrInvalidCoordinate
	}

	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c, nil
}

// WithinTolerance reports whether a measured distance falls inside the
// geofence. The boundary is inclusive.
func WithinTolerance(distanceMeters, toleranceMeters float64) bool {
	return distanceMeters <= toleranceMeters
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
