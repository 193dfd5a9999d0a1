package comproto

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-iap/internal/can"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrTimeout        = errors.New("receive timeout")
	ErrEmpty          = errors.New("identifier queue empty")
	ErrUnexpectedID   = errors.New("unexpected identifier")
	ErrTxTimeout      = errors.New("transmit status poll exhausted")
	ErrTxFailed       = errors.New("transmit failed")
	ErrPayloadTooLong = errors.New("payload longer than 8 bytes")
	ErrNoTable        = errors.New("no dispatch table")
	ErrStopped        = errors.New("endpoint stopped")

	ErrDuplicateCommand = errors.New("duplicate command")
	ErrNilHandler       = errors.New("nil handler")
	ErrTableFull        = errors.New("dispatch table full")
)

// MismatchError is returned by ExpectID when a different identifier arrived.
// The received frame has already been consumed.
type MismatchError struct {
	Got  uint32
	Want uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: got %s want %s", ErrUnexpectedID, can.FormatID(e.Got), can.FormatID(e.Want))
}

func (e *MismatchError) Unwrap() error { return ErrUnexpectedID }
