package comproto

import (
	"sync"

	"github.com/kstaniek/go-can-iap/internal/can"
	"github.com/kstaniek/go-can-iap/internal/transport"
)

// fakeMailbox records transmitted frames and reports a fixed status.
type fakeMailbox struct {
	mu     sync.Mutex
	sent   []can.Frame
	status transport.TxStatus
	err    error
	polls  int
}

func (f *fakeMailbox) Transmit(fr can.Frame) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return -1, f.err
	}
	f.sent = append(f.sent, fr)
	return 0, nil
}

func (f *fakeMailbox) TxStatus(int) transport.TxStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.status
}

func (f *fakeMailbox) frames() []can.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Frame(nil), f.sent...)
}
