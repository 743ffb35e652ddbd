// Package aggregator folds an ordered stream of raw telemetry rows into one
// summary per device: peak temperature, sample count, distance travelled
// along the reported path and the last known position.
package aggregator

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stuartshay/device-aggregator/internal/calculator"
	"github.com/stuartshay/device-aggregator/internal/telemetry"
)

// Policy decides what happens when a row fails validation.
type Policy string

// Malformed row policies
const (
	// PolicySkip logs and drops the bad row; the run continues.
	PolicySkip Policy = "skip"
	// PolicyAbort fails the whole aggregation on the first bad row.
	PolicyAbort Policy = "abort"
)

// ParsePolicy maps a configuration value onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySkip, PolicyAbort:
		return Policy(s), nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown malformed-row policy %q (want skip or abort)", s)
	}
}

// Result is the outcome of one aggregation pass.
type Result struct {
	Summaries map[string]telemetry.DeviceSummary
	Folded    int
	Skipped   int
	Rejected  []error
}

// Aggregator holds configuration only; every Aggregate call starts from empty state.
type Aggregator struct {
	policy Policy
	logger zerolog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPolicy sets the malformed row policy.
func WithPolicy(p Policy) Option {
	return func(a *Aggregator) { a.policy = p }
}

// WithLogger sets the logger used for skipped rows.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New returns an Aggregator using PolicySkip and a disabled logger unless overridden.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		policy: PolicySkip,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// accumulator is the running state for one device.
type accumulator struct {
	maxTemperature float64
	dataPoints     int
	distanceMoved  float64
	lastLocation   calculator.Location
	lastTime       int64
}

func newAccumulator(r telemetry.Reading) *accumulator {
	return &accumulator{
		maxTemperature: r.Temperature,
		dataPoints:     1,
		lastLocation:   r.Location,
		lastTime:       r.Timestamp,
	}
}

// fold applies the next reading. The accumulator is untouched on error.
func (acc *accumulator) fold(r telemetry.Reading) error {
	step, err := calculator.Distance(acc.lastLocation, r.Location)
	if err != nil {
		return err
	}

	acc.distanceMoved += step
	acc.maxTemperature = max(acc.maxTemperature, r.Temperature)
	acc.dataPoints++
	acc.lastLocation = r.Location
	acc.lastTime = r.Timestamp
	return nil
}

func (acc *accumulator) summary(deviceID string) telemetry.DeviceSummary {
	return telemetry.DeviceSummary{
		DeviceID:       deviceID,
		MaxTemperature: acc.maxTemperature,
		DataPoints:     acc.dataPoints,
		DistanceMoved:  acc.distanceMoved,
		LastLocation:   acc.lastLocation,
		LastTime:       acc.lastTime,
	}
}

// Aggregate folds rows in the order given. Rows are never re-sorted, so the
// distance for a device depends on the order its rows arrive in.
//
// With PolicySkip the returned error is always nil and bad rows are listed in
// Result.Rejected. With PolicyAbort the first bad row is returned as a
// *telemetry.MalformedReadingError and the Result is empty.
func (a *Aggregator) Aggregate(rows []telemetry.Row) (Result, error) {
	accs := make(map[string]*accumulator)
	res := Result{}

	for i, row := range rows {
		err := a.foldRow(accs, row)
		if err == nil {
			res.Folded++
			continue
		}

		if a.policy == PolicyAbort {
			return Result{Summaries: map[string]telemetry.DeviceSummary{}}, fmt.Errorf("row %d: %w", i, err)
		}

		res.Skipped++
		res.Rejected = append(res.Rejected, err)
		a.logger.Warn().
			Err(err).
			Int("row", i).
			Str("device_id", row.DeviceID).
			Int64("time", row.Timestamp).
			Msg("Skipping malformed reading")
	}

	res.Summaries = make(map[string]telemetry.DeviceSummary, len(accs))
	for deviceID, acc := range accs {
		res.Summaries[deviceID] = acc.summary(deviceID)
	}

	return res, nil
}

func (a *Aggregator) foldRow(accs map[string]*accumulator, row telemetry.Row) error {
	reading, err := row.Parse()
	if err != nil {
		return err
	}

	acc, seen := accs[reading.DeviceID]
	if !seen {
		accs[reading.DeviceID] = newAccumulator(reading)
		return nil
	}

	if err := acc.fold(reading); err != nil {
		return &telemetry.MalformedReadingError{
			DeviceID:  reading.DeviceID,
			Timestamp: reading.Timestamp,
			Reason:    "distance calculation failed",
			Err:       err,
		}
	}
	return nil
}
