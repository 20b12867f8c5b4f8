package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by cache backends when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidThreshold is returned when a freshness threshold is not a
	// positive number of seconds.
	ErrInvalidThreshold = errors.New("freshness threshold must be greater than zero")

	// ErrInvalidKey is returned for empty data types or nil device ids.
	ErrInvalidKey = errors.New("invalid cache key")
)

// DataCollectionError is surfaced to callers when the external collector
// fails for a device/data-type pair. It always wraps the underlying cause.
type DataCollectionError struct {
	DataType string
	DeviceID uuid.UUID
	Err      error
}

func (e *DataCollectionError) Error() string {
	return fmt.Sprintf("collection of %s for device %s failed: %s", e.DataType, e.DeviceID, e.Err)
}

func (e *DataCollectionError) Unwrap() error {
	return e.Err
}
