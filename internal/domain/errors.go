package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceIO            = errors.New("device i/o error")
	ErrAllocationExhausted = errors.New("no space left on device")
	ErrCacheFull           = errors.New("block cache full: no evictable entry")
	ErrInvalidOffset       = errors.New("offset outside file")
	ErrInvalidRange        = errors.New("byte range exceeds sector")
	ErrClosed              = errors.New("closed")
	ErrCorrupted           = errors.New("storage corrupted")
	ErrWriteDenied         = errors.New("writes denied")
	ErrDoubleFree          = errors.New("sector already free")
	ErrTooLarge            = errors.New("file too large")
)

// IOError records a failed device transfer.
type IOError struct {
	Op     string
	Sector Sector
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s sector %d: %v", e.Op, e.Sector, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrDeviceIO }
