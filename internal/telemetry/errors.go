package telemetry

import (
	"errors"
	"fmt"
)

// ErrMalformedReading matches any *MalformedReadingError via errors.Is.
var ErrMalformedReading = errors.New("malformed reading")

// MalformedReadingError describes a single source row that could not be
// turned into a Reading. It never aborts a run on its own.
type MalformedReadingError struct {
	DeviceID  string
	Timestamp int64
	Reason    string
	Err       error
}

func (e *MalformedReadingError) Error() string {
	msg := fmt.Sprintf("malformed reading (device=%q time=%d): %s", e.DeviceID, e.Timestamp, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrMalformedReading) true for every MalformedReadingError.
func (e *MalformedReadingError) Is(target error) bool {
	return target == ErrMalformedReading
}

func (e *MalformedReadingError) Unwrap() error {
	return e.Err
}

func malformed(row Row, reason string, err error) *MalformedReadingError {
	return &MalformedReadingError{
		DeviceID:  row.DeviceID,
		Timestamp: row.Timestamp,
		Reason:    reason,
		Err:       err,
	}
}
