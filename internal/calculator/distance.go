// Package calculator provides GPS distance calculations using the Haversine formula
// to compute great-circle distances between geographic coordinates.
package calculator

import (
	"errors"
	"fmt"
	"math"
)

const (
	// EarthRadiusKM is the Earth's radius in kilometers
	EarthRadiusKM = 6371.0
)

// ErrInvalidCoordinate is returned when a latitude or longitude is outside
// its geographic range or is not a finite number.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Location represents a GPS coordinate in decimal degrees
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Validate reports whether the location is a usable coordinate.
// |latitude| must be <= 90 and |longitude| <= 180; NaN and Inf are rejected.
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || math.IsInf(l.Latitude, 0) || math.Abs(l.Latitude) > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, l.Latitude)
	}
	if math.IsNaN(l.Longitude) || math.IsInf(l.Longitude, 0) || math.Abs(l.Longitude) > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, l.Longitude)
	}
	return nil
}

// Distance returns the great-circle distance in kilometers between a and b.
//
// Both points are validated first; an out-of-range or non-finite coordinate
// yields an error wrapping ErrInvalidCoordinate and a distance of 0. Identical
// points always return exactly 0.
func Distance(a, b Location) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if a == b {
		return 0, nil
	}
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude), nil
}

// Haversine calculates the great-circle distance between two points
// on the Earth's surface given their latitudes and longitudes in decimal degrees.
// Input is not validated; use Distance for untrusted coordinates.
//
// Formula:
// a = sin²(Δφ/2) + cos φ1 ⋅ cos φ2 ⋅ sin²(Δλ/2)
// c = 2 ⋅ atan2( √a, √(1−a) )
// d = R ⋅ c
//
// where:
// φ is latitude, λ is longitude, R is earth's radius (6371 km)
// Δφ is the difference in latitude, Δλ is the difference in longitude
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)

	deltaLat := lat2Rad - lat1Rad
	deltaLon := degreesToRadians(lon2 - lon1)

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon

	// rounding can push a just past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKM * c
}

// PathLength sums the distances between consecutive locations in order.
// It stops at the first invalid coordinate.
func PathLength(path []Location) (float64, error) {
	var total float64
	for i := 1; i < len(path); i++ {
		d, err := Distance(path[i-1], path[i])
		if err != nil {
			return 0, fmt.Errorf("segment %d: %w", i, err)
		}
		total += d
	}
	return total, nil
}

// degreesToRadians converts degrees to radians
func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
