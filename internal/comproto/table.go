package comproto

import (
	"fmt"

	"github.com/kstaniek/go-can-iap/internal/can"
)

// MaxHandlers is the capacity of a dispatch table.
const MaxHandlers = 64

// Handler runs on the dispatcher goroutine. Handlers that need the payload of
// a data command pull it with ReceivePayload.
type Handler func()

// Entry binds a command code to its handler.
type Entry struct {
	Code    can.Command
	Handler Handler
}

// Table is an immutable command dispatch table.
type Table struct {
	entries []Entry
}

// NewTable validates entries and builds a table. Duplicate codes, nil handlers
// and more than MaxHandlers entries are rejected.
func NewTable(entries ...Entry) (*Table, error) {
	if len(entries) > MaxHandlers {
		return nil, fmt.Errorf("%w: %d entries, max %d", ErrTableFull, len(entries), MaxHandlers)
	}
	t := &Table{entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		if e.Handler == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilHandler, e.Code)
		}
		if t.has(e.Code) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, e.Code)
		}
		t.entries = append(t.entries, e)
	}
	return t, nil
}

func (t *Table) has(code can.Command) bool {
	for _, e := range t.entries {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Dispatch invokes the handler registered for code. It reports whether one was found.
func (t *Table) Dispatch(code can.Command) bool {
	for _, e := range t.entries {
		if e.Code == code {
			e.Handler()
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (t *Table) Len() int { return len(t.entries) }

// Codes lists registered codes in registration order.
func (t *Table) Codes() []can.Command {
	out := make([]can.Command, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Code
	}
	return out
}
