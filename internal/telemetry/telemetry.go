// Package telemetry defines the data contracts shared by the window reader,
// the aggregator and the summary writer: raw source rows, validated readings,
// per-device summaries and the aggregation window.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stuartshay/device-aggregator/internal/calculator"
)

// MaxDeviceIDLength matches the width of the device_id column in the target store.
const MaxDeviceIDLength = 50

var validate = validator.New(validator.WithRequiredStructEnabled())

// Row is a source record as delivered by the window reader, before validation.
// Temperature is nil when the source column is NULL; Location holds the raw
// JSON payload.
type Row struct {
	DeviceID    string
	Temperature *float64
	Location    []byte
	Timestamp   int64
}

// Reading is a validated telemetry sample.
type Reading struct {
	DeviceID    string `validate:"required,max=50"`
	Temperature float64
	Location    calculator.Location
	Timestamp   int64 `validate:"gte=0"`
}

// DeviceSummary is the per-device result of one aggregation pass.
type DeviceSummary struct {
	DeviceID       string              `json:"device_id"`
	MaxTemperature float64             `json:"max_temperature"`
	DataPoints     int                 `json:"data_points"`
	DistanceMoved  float64             `json:"distance_moved"`
	LastLocation   calculator.Location `json:"last_location"`
	LastTime       int64               `json:"last_time"`
}

// Window is the half-open interval [Start, End) in epoch seconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// TrailingWindow returns the window of length d ending at now.
func TrailingWindow(now time.Time, d time.Duration) Window {
	end := now.Unix()
	return Window{Start: end - int64(d/time.Second), End: end}
}

// Validate checks that the window is non-empty.
func (w Window) Validate() error {
	if w.End <= w.Start {
		return fmt.Errorf("invalid window [%d, %d): end must be after start", w.Start, w.End)
	}
	return nil
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts int64) bool {
	return ts >= w.Start && ts < w.End
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)",
		time.Unix(w.Start, 0).UTC().Format(time.RFC3339),
		time.Unix(w.End, 0).UTC().Format(time.RFC3339))
}

// Parse validates the row and converts it into a Reading. Every failure is a
// *MalformedReadingError.
func (r Row) Parse() (Reading, error) {
	if r.Temperature == nil {
		return Reading{}, malformed(r, "temperature is null", nil)
	}
	if math.IsNaN(*r.Temperature) || math.IsInf(*r.Temperature, 0) {
		return Reading{}, malformed(r, "temperature is not finite", nil)
	}

	loc, err := ParseLocation(r.Location)
	if err != nil {
		return Reading{}, malformed(r, "bad location payload", err)
	}
	if err := loc.Validate(); err != nil {
		return Reading{}, malformed(r, "location out of range", err)
	}

	reading := Reading{
		DeviceID:    r.DeviceID,
		Temperature: *r.Temperature,
		Location:    loc,
		Timestamp:   r.Timestamp,
	}

	if err := validate.Struct(reading); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return Reading{}, malformed(r, describe(verrs), nil)
		}
		return Reading{}, malformed(r, "validation failed", err)
	}

	return reading, nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

type locationPayload struct {
	Latitude  *coordinate `json:"latitude"`
	Longitude *coordinate `json:"longitude"`
}

// coordinate accepts a JSON number or a JSON string holding a decimal number.
type coordinate float64

func (c *coordinate) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a decimal number: %s", string(b))
	}
	*c = coordinate(v)
	return nil
}

// ParseLocation decodes a {"latitude": ..., "longitude": ...} payload where
// each value is a number or a numeric string.
func ParseLocation(payload []byte) (calculator.Location, error) {
	if len(payload) == 0 {
		return calculator.Location{}, errors.New("empty location")
	}

	var p locationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return calculator.Location{}, fmt.Errorf("decode location: %w", err)
	}
	if p.Latitude == nil {
		return calculator.Location{}, errors.New("missing latitude")
	}
	if p.Longitude == nil {
		return calculator.Location{}, errors.New("missing longitude")
	}

	return calculator.Location{
		Latitude:  float64(*p.Latitude),
		Longitude: float64(*p.Longitude),
	}, nil
}
