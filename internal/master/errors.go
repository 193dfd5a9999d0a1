package master

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyImage  = errors.New("empty image")
	ErrImageTooBig = errors.New("image larger than 4 GiB")
	ErrShortReply  = errors.New("short reply payload")
)

// StepError identifies the protocol step that failed during an operation.
type StepError struct {
	Step   string
	Offset int
	Err    error
}

func (e *StepError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("%s at offset %d: %v", e.Step, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
