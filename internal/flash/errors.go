package flash

import (
	"errors"
	"fmt"
)

var (
	ErrLocked           = errors.New("flash locked")
	ErrOutOfRange       = errors.New("address out of range")
	ErrClosed           = errors.New("flash closed")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrOverlap          = errors.New("partitions overlap")
)

// RangeError reports an access outside the device window.
type RangeError struct {
	Addr uint32
	Len  int
	Base uint32
	Size uint32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v: 0x%08x+%d not within 0x%08x+%d", ErrOutOfRange, e.Addr, e.Len, e.Base, e.Size)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }
