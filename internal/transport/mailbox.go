package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-iap/internal/can"
)

// DefaultMailboxes mirrors the three transmit mailboxes of a bxCAN peripheral.
const DefaultMailboxes = 3

var (
	// ErrNoMailbox is returned when every mailbox still holds a pending frame.
	ErrNoMailbox = errors.New("no free tx mailbox")
	// ErrMailboxesClosed is returned by Transmit after Close.
	ErrMailboxesClosed = errors.New("tx mailboxes closed")
)

// Mailboxes emulates a bank of hardware transmit mailboxes on top of a
// blocking frame writer. All device writes are funneled through a single
// goroutine (fan-in), so a slow or wedged device never blocks the caller of
// Transmit; instead the caller polls TxStatus for the mailbox it was given.
//
// Life-cycle:
//
//	m := NewMailboxes(ctx, n, sendFn, hooks)
//	mb, err := m.Transmit(frame)
//	for m.TxStatus(mb) == TxPending { ... }
//	m.Close()
//
// After Close every still-pending mailbox reports TxFailed and further
// Transmit calls return ErrMailboxesClosed.
type Mailboxes struct {
	mu     sync.Mutex
	slots  []slot
	ch     chan int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

type slot struct {
	status atomic.Uint32
	frame  can.Frame
}

// Hooks customize Mailboxes behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnBusy is called when no mailbox is free; its returned error is returned
	// from Transmit. If nil, ErrNoMailbox is returned.
	OnBusy func() error
}

// NewMailboxes constructs n mailboxes (DefaultMailboxes if n <= 0) served by one writer goroutine.
func NewMailboxes(parent context.Context, n int, send func(can.Frame) error, hooks Hooks) *Mailboxes {
	if n <= 0 {
		n = DefaultMailboxes
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Mailboxes{
		slots:  make([]slot, n),
		ch:     make(chan int, n),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	for i := range m.slots {
		m.slots[i].status.Store(uint32(TxOK))
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *Mailboxes) loop() {
	defer m.wg.Done()
	for {
		select {
		case i, ok := <-m.ch:
			if !ok {
				return
			}
			s := &m.slots[i]
			if err := m.send(s.frame); err != nil {
				s.status.Store(uint32(TxFailed))
				if m.hooks.OnError != nil {
					m.hooks.OnError(err)
				}
				continue
			}
			s.status.Store(uint32(TxOK))
			if m.hooks.OnAfter != nil {
				m.hooks.OnAfter()
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Transmit places fr into a free mailbox and returns its index. It never blocks
// on the device.
func (m *Mailboxes) Transmit(fr can.Frame) (int, error) {
	if m.closed.Load() {
		return -1, ErrMailboxesClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return -1, ErrMailboxesClosed
	}
	for i := range m.slots {
		s := &m.slots[i]
		if TxStatus(s.status.Load()) == TxPending {
			continue
		}
		s.frame = fr
		s.status.Store(uint32(TxPending))
		// At most len(slots) indices are ever queued, so this cannot block.
		m.ch <- i
		return i, nil
	}
	if m.hooks.OnBusy != nil {
		return -1, m.hooks.OnBusy()
	}
	return -1, ErrNoMailbox
}

// TxStatus reports the state of a mailbox returned by Transmit.
func (m *Mailboxes) TxStatus(mb int) TxStatus {
	if mb < 0 || mb >= len(m.slots) {
		return TxFailed
	}
	return TxStatus(m.slots[mb].status.Load())
}

// Close stops the worker, fails pending mailboxes and waits for the goroutine to exit.
func (m *Mailboxes) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	m.mu.Lock()
	close(m.ch)
	m.mu.Unlock()
	m.wg.Wait()
	for i := range m.slots {
		m.slots[i].status.CompareAndSwap(uint32(TxPending), uint32(TxFailed))
	}
}
