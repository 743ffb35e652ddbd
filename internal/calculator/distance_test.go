package calculator

import (
	"errors"
	"math"
	"testing"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name      string
		lat1      float64
		lon1      float64
		lat2      float64
		lon2      float64
		expected  float64
		tolerance float64
	}{
		{
			name:      "Same location",
			lat1:      40.736097,
			lon1:      -74.039373,
			lat2:      40.736097,
			lon2:      -74.039373,
			expected:  0.0,
			tolerance: 0.001,
		},
		{
			name:      "New York to Boston (~306 km)",
			lat1:      40.7128,
			lon1:      -74.0060,
			lat2:      42.3601,
			lon2:      -71.0589,
			expected:  306.0,
			tolerance: 5.0,
		},
		{
			name:      "One degree of longitude at the equator",
			lat1:      0,
			lon1:      0,
			lat2:      0,
			lon2:      1,
			expected:  111.195,
			tolerance: 0.01,
		},
		{
			name:      "Equator crossing",
			lat1:      1.0,
			lon1:      0.0,
			lat2:      -1.0,
			lon2:      0.0,
			expected:  222.4,
			tolerance: 1.0,
		},
		{
			name:      "Antipodal points",
			lat1:      0,
			lon1:      0,
			lat2:      0,
			lon2:      180,
			expected:  math.Pi * EarthRadiusKM,
			tolerance: 0.001,
		},
		{
			name:      "Across the antimeridian",
			lat1:      0,
			lon1:      179.5,
			lat2:      0,
			lon2:      -179.5,
			expected:  111.195,
			tolerance: 0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(result-tt.expected) > tt.tolerance {
				t.Errorf("Haversine() = %.3f km, expected %.3f km (±%.3f km)", result, tt.expected, tt.tolerance)
			}
		})
	}
}

func TestDistance_SamePointIsExactlyZero(t *testing.T) {
	points := []Location{
		{Latitude: 0, Longitude: 0},
		{Latitude: 40.736097, Longitude: -74.039373},
		{Latitude: 90, Longitude: 180},
		{Latitude: -90, Longitude: -180},
		{Latitude: -33.8688, Longitude: 151.2093},
	}

	for _, p := range points {
		d, err := Distance(p, p)
		if err != nil {
			t.Fatalf("Distance(%v, %v) returned error: %v", p, p, err)
		}
		if d != 0 {
			t.Errorf("Distance(%v, %v) = %v, expected exactly 0", p, p, d)
		}
	}
}

func TestDistance_Symmetric(t *testing.T) {
	pairs := [][2]Location{
		{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}},
		{{Latitude: 40.7128, Longitude: -74.0060}, {Latitude: 42.3601, Longitude: -71.0589}},
		{{Latitude: -89.9, Longitude: 10}, {Latitude: 89.9, Longitude: -170}},
		{{Latitude: 51.5074, Longitude: -0.1278}, {Latitude: -33.8688, Longitude: 151.2093}},
	}

	for _, p := range pairs {
		ab, err := Distance(p[0], p[1])
		if err != nil {
			t.Fatalf("Distance() error: %v", err)
		}
		ba, err := Distance(p[1], p[0])
		if err != nil {
			t.Fatalf("Distance() error: %v", err)
		}
		if math.Abs(ab-ba) > 1e-9 {
			t.Errorf("Distance not symmetric for %v: %v vs %v", p, ab, ba)
		}
	}
}

func TestDistance_InvalidCoordinate(t *testing.T) {
	valid := Location{Latitude: 10, Longitude: 10}

	tests := []struct {
		name string
		loc  Location
	}{
		{name: "latitude above 90", loc: Location{Latitude: 90.0001, Longitude: 0}},
		{name: "latitude below -90", loc: Location{Latitude: -91, Longitude: 0}},
		{name: "longitude above 180", loc: Location{Latitude: 0, Longitude: 180.5}},
		{name: "longitude below -180", loc: Location{Latitude: 0, Longitude: -181}},
		{name: "NaN latitude", loc: Location{Latitude: math.NaN(), Longitude: 0}},
		{name: "Inf longitude", loc: Location{Latitude: 0, Longitude: math.Inf(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Distance(valid, tt.loc)
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("expected ErrInvalidCoordinate, got %v", err)
			}
			if d != 0 {
				t.Errorf("expected distance 0 on error, got %v", d)
			}

			_, err = Distance(tt.loc, valid)
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("expected ErrInvalidCoordinate with invalid first argument, got %v", err)
			}
		})
	}
}

func TestDistance_BoundaryCoordinatesAreValid(t *testing.T) {
	_, err := Distance(Location{Latitude: 90, Longitude: 180}, Location{Latitude: -90, Longitude: -180})
	if err != nil {
		t.Errorf("expected boundary coordinates to be accepted, got %v", err)
	}
}

func TestPathLength(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		d, err := PathLength(nil)
		if err != nil || d != 0 {
			t.Errorf("PathLength(nil) = %v, %v; expected 0, nil", d, err)
		}
	})

	t.Run("single point", func(t *testing.T) {
		d, err := PathLength([]Location{{Latitude: 1, Longitude: 1}})
		if err != nil || d != 0 {
			t.Errorf("PathLength(single) = %v, %v; expected 0, nil", d, err)
		}
	})

	t.Run("equator steps", func(t *testing.T) {
		path := []Location{{0, 0}, {0, 1}, {0, 2}}
		d, err := PathLength(path)
		if err != nil {
			t.Fatalf("PathLength() error: %v", err)
		}
		step := Haversine(0, 0, 0, 1)
		if math.Abs(d-2*step) > 1e-9 {
			t.Errorf("PathLength() = %v, expected %v", d, 2*step)
		}
	})

	t.Run("invalid point", func(t *testing.T) {
		_, err := PathLength([]Location{{0, 0}, {95, 0}})
		if !errors.Is(err, ErrInvalidCoordinate) {
			t.Errorf("expected ErrInvalidCoordinate, got %v", err)
		}
	})
}

func TestDegreesToRadians(t *testing.T) {
	tests := []struct {
		degrees  float64
		expected float64
	}{
		{0, 0},
		{90, math.Pi / 2},
		{180, math.Pi},
		{360, 2 * math.Pi},
		{-90, -math.Pi / 2},
	}

	for _, tt := range tests {
		result := degreesToRadians(tt.degrees)
		if math.Abs(result-tt.expected) > 0.0001 {
			t.Errorf("degreesToRadians(%.2f) = %.4f, expected %.4f", tt.degrees, result, tt.expected)
		}
	}
}

func BenchmarkHaversine(b *testing.B) {
	lat1, lon1 := 40.736097, -74.039373
	lat2, lon2 := 40.748817, -73.985428

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Haversine(lat1, lon1, lat2, lon2)
	}
}

func BenchmarkDistance(b *testing.B) {
	a := Location{Latitude: 40.736097, Longitude: -74.039373}
	c := Location{Latitude: 40.748817, Longitude: -73.985428}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Distance(a, c)
	}
}
