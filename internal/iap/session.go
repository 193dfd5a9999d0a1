package iap

import "github.com/kstaniek/go-can-iap/internal/metrics"

const (
	// BlockSize is the flash program granule.
	BlockSize = 512
	// ChunkSize is the payload of one data chunk frame.
	ChunkSize = 8
)

// State of an update session.
type State int

const (
	Idle State = iota
	AwaitingLength
	Streaming
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingLength:
		return "awaiting_length"
	case Streaming:
		return "streaming"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// session is the state of one update, owned by the dispatcher goroutine.
type session struct {
	block     [BlockSize]byte
	cursor    int
	offset    uint32
	length    uint32
	lastBlock bool
	state     State
}

func (s *session) reset() { *s = session{} }

func (s *session) status() Status {
	return Status{State: s.state, Offset: s.offset, Length: s.length, Cursor: s.cursor, BlockReady: s.lastBlock}
}

func (s *session) record() { metrics.SetSession(int(s.state), s.offset) }
