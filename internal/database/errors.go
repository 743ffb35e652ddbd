package database

import (
	"errors"
	"fmt"
)

// ErrConnectivity matches any *ConnectivityError via errors.Is.
var ErrConnectivity = errors.New("store unreachable")

// ErrPersistence matches any *PersistenceError via errors.Is.
var ErrPersistence = errors.New("persistence failed")

// ConnectivityError is returned when a store did not become reachable
// before the connect deadline.
type ConnectivityError struct {
	Store    string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable after %d attempt(s): %v", e.Store, e.Attempts, e.Err)
}

func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

func (e *ConnectivityError) Unwrap() error { return e.Err }

// PersistenceError is returned when summaries could not be committed.
// Nothing from the failed batch is visible in the target store.
type PersistenceError struct {
	Op       string
	DeviceID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s failed for device %q: %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }
